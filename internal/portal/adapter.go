package portal

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"eg4-assistant/internal/browser"
	"eg4-assistant/internal/reading"
)

// Adapter owns one browser session against one portal. Calls must be
// serialized by the caller.
type Adapter interface {
	Name() reading.Portal
	Start(ctx context.Context) error
	Stop() error
	Alive() bool
	IsLoggedIn(ctx context.Context) bool
	Login(ctx context.Context) error
	Extract(ctx context.Context) (reading.Reading, error)
	SetCredentials(username, password string)
	Invalidate()
	State() SessionState
}

// Preflight is implemented by adapters whose configuration can be checked
// before a browser is started.
type Preflight interface {
	Configured() error
}

// Downloader is implemented by adapters that fetch files.
type Downloader interface {
	DownloadArtifacts(ctx context.Context) (map[reading.ChartKind]string, error)
}

type SessionState struct {
	LoggedIn         bool      `json:"logged_in"`
	SessionStartedAt time.Time `json:"session_started_at"`
	LastError        string    `json:"last_error,omitempty"`
}

type Clock interface {
	Now() time.Time
}

type Config struct {
	LoginURL      string
	DataURL       string
	MaxSessionAge time.Duration
	DownloadDir   string
}

type Option func(*base)

// WithSleep replaces the pause used between page polls.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *base) { b.sleep = sleep }
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type base struct {
	portal     reading.Portal
	cfg        Config
	newSession browser.Factory
	clock      Clock
	sleep      func(ctx context.Context, d time.Duration) error
	log        *zap.Logger

	session browser.Session

	mu       sync.Mutex
	state    SessionState
	username string
	password string
}

func newBase(p reading.Portal, cfg Config, factory browser.Factory, clock Clock, log *zap.Logger, opts []Option) base {
	b := base{
		portal:     p,
		cfg:        cfg,
		newSession: factory,
		clock:      clock,
		sleep:      sleepCtx,
		log:        log,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) Name() reading.Portal { return b.portal }

func (b *base) Start(ctx context.Context) error {
	if b.session != nil && b.session.Alive() {
		return nil
	}
	if b.session != nil {
		b.session.Stop()
	}
	b.session = b.newSession()
	if err := b.session.Start(ctx); err != nil {
		b.session = nil
		return b.fail(fromBrowser(b.portal, "start", err))
	}
	return nil
}

func (b *base) Stop() error {
	b.Invalidate()
	if b.session == nil {
		return nil
	}
	err := b.session.Stop()
	b.session = nil
	return err
}

func (b *base) Alive() bool {
	return b.session != nil && b.session.Alive()
}

func (b *base) SetCredentials(username, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if username == b.username && password == b.password {
		return
	}
	b.username, b.password = username, password
	b.state.LoggedIn = false
}

func (b *base) credentials() (string, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.username, b.password
}

func (b *base) Invalidate() {
	b.mu.Lock()
	b.state.LoggedIn = false
	b.mu.Unlock()
}

func (b *base) State() SessionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *base) markLoggedIn() {
	b.mu.Lock()
	b.state.LoggedIn = true
	b.state.SessionStartedAt = b.clock.Now()
	b.state.LastError = ""
	b.mu.Unlock()
}

// fail records err and drops the login flag for anything but a bad reading.
func (b *base) fail(err *Error) *Error {
	b.mu.Lock()
	b.state.LastError = err.Error()
	if err.Kind != ExtractionInvalid && err.Kind != DownloadFailed {
		b.state.LoggedIn = false
	}
	b.mu.Unlock()
	return err
}

// sessionFresh applies the cached flag and the portal's max session age.
func (b *base) sessionFresh() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.LoggedIn {
		return false
	}
	if b.cfg.MaxSessionAge > 0 && b.clock.Now().Sub(b.state.SessionStartedAt) > b.cfg.MaxSessionAge {
		b.state.LoggedIn = false
		return false
	}
	return true
}

func (b *base) requireSession() error {
	if b.session == nil || !b.session.Alive() {
		return b.fail(newError(b.portal, BrowserDead, "session", browser.ErrClosed))
	}
	return nil
}

func (b *base) requireCredentials(op string) (string, string, error) {
	user, pass := b.credentials()
	if user == "" || pass == "" {
		return "", "", b.fail(newError(b.portal, AuthFailed, op, errors.New("credentials not configured")))
	}
	return user, pass, nil
}

// poll calls fn up to attempts times, pausing between calls, until it
// reports done.
func (b *base) poll(ctx context.Context, attempts int, every time.Duration, fn func() (bool, error)) (bool, error) {
	for i := 0; i < attempts; i++ {
		done, err := fn()
		if err != nil || done {
			return done, err
		}
		if i < attempts-1 {
			if err := b.sleep(ctx, every); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// navigate goes to url, or reloads when the tab is already there.
func (b *base) navigate(ctx context.Context, url string, wait browser.WaitMode) error {
	current, err := b.session.CurrentURL(ctx)
	if err != nil {
		return b.fail(fromBrowser(b.portal, "navigate", err))
	}
	if sameDocument(current, url) {
		err = b.session.Reload(ctx, wait)
	} else {
		err = b.session.Goto(ctx, url, wait)
	}
	if err != nil {
		return b.fail(fromBrowser(b.portal, "navigate", err))
	}
	return nil
}

func sameDocument(current, target string) bool {
	strip := func(s string) string {
		if i := strings.IndexAny(s, "?#"); i >= 0 {
			s = s[:i]
		}
		return strings.TrimSuffix(s, "/")
	}
	return current != "" && strip(current) == strip(target)
}

var nonNumeric = regexp.MustCompile(`[^0-9.\-]`)

// parseNumber keeps digits, sign and decimal point. The portals render
// "--" before data arrives, which parses as zero.
func parseNumber(raw string) float64 {
	s := strings.TrimSpace(raw)
	if s == "" || s == "--" {
		return 0
	}
	s = nonNumeric.ReplaceAllString(s, "")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseInt(raw string) int {
	return int(math.Round(parseNumber(raw)))
}

func isPlaceholder(raw string) bool {
	s := strings.TrimSpace(raw)
	return s == "" || s == "--" || strings.Trim(s, "-%") == ""
}

// clickByText is a page script clicking the first visible element matching
// one of the selectors, or whose text contains one of the labels.
const clickByText = `((selectors, labels, tags) => {
  const visible = (el) => !!(el.offsetWidth || el.offsetHeight || el.getClientRects().length);
  for (const sel of selectors) {
    for (const el of document.querySelectorAll(sel)) {
      if (visible(el)) { el.click(); return true; }
    }
  }
  for (const el of document.querySelectorAll(tags)) {
    const text = (el.innerText || el.textContent || '').trim().toLowerCase();
    if (!text || !visible(el)) continue;
    if (labels.some((l) => text.includes(l.toLowerCase()))) { el.click(); return true; }
  }
  return false;
})`

func clickScript(selectors, labels []string) string {
	return clickByText + "(" + jsList(selectors) + ", " + jsList(labels) + ", 'button, a, [role=button], input[type=submit], li, span')"
}

func jsList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = strconv.Quote(s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func existsScript(selector string) string {
	return "document.querySelector(" + strconv.Quote(selector) + ") !== null"
}
