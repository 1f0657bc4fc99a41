package portal

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"eg4-assistant/internal/browser"
	"eg4-assistant/internal/reading"
)

const (
	DefaultEnphaseLandingURL = "https://enlighten.enphaseenergy.com"
	DefaultEnphaseMaxAge     = 2 * time.Hour
)

var summaryFields = []string{
	"today", "peak_power", "peak_power_time", "latest_power", "latest_time",
	"last_7_days", "month_to_date", "lifetime", "ac_voltage",
}

// enphaseScript returns label and data-value for each summary field.
const enphaseScript = `((ids) => {
  const root = document.querySelector('#summary');
  if (!root) return { found: false, fields: {} };
  const out = {};
  for (const id of ids) {
    const el = root.querySelector('#' + id);
    out[id] = el ? { label: (el.textContent || '').trim(), value: el.getAttribute('data-value') || '' } : null;
  }
  return { found: true, fields: out };
})`

type summaryResult struct {
	Found  bool                     `json:"found"`
	Fields map[string]*summaryField `json:"fields"`
}

type summaryField struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

func (f *summaryField) number() float64 {
	if f == nil {
		return 0
	}
	if f.Value != "" {
		return parseNumber(f.Value)
	}
	return parseNumber(f.Label)
}

func (f *summaryField) text() string {
	if f == nil {
		return ""
	}
	return f.Label
}

type Enphase struct {
	base
}

// NewEnphase expects cfg.LoginURL to be the landing page and cfg.DataURL
// the system page carrying #summary.
func NewEnphase(cfg Config, factory browser.Factory, clock Clock, log *zap.Logger, opts ...Option) *Enphase {
	if cfg.LoginURL == "" {
		cfg.LoginURL = DefaultEnphaseLandingURL
	}
	if cfg.MaxSessionAge == 0 {
		cfg.MaxSessionAge = DefaultEnphaseMaxAge
	}
	return &Enphase{base: newBase(reading.PortalEnphase, cfg, factory, clock, log, opts)}
}

func (a *Enphase) IsLoggedIn(ctx context.Context) bool {
	if a.session == nil || !a.sessionFresh() {
		return false
	}
	url, err := a.session.CurrentURL(ctx)
	if err != nil {
		a.fail(fromBrowser(a.portal, "is_logged_in", err))
		return false
	}
	if isSignInURL(url) {
		a.fail(newError(a.portal, SessionExpired, "is_logged_in", nil))
		return false
	}
	return true
}

func isSignInURL(url string) bool {
	lower := strings.ToLower(url)
	return strings.Contains(lower, "login") || strings.Contains(lower, "sign_in") || strings.Contains(lower, "expired")
}

var errNoSystemURL = errors.New("system url not configured")

// Configured reports whether the system page is known.
func (a *Enphase) Configured() error {
	if a.cfg.DataURL == "" {
		return errNoSystemURL
	}
	return nil
}

func (a *Enphase) Login(ctx context.Context) error {
	if err := a.requireSession(); err != nil {
		return err
	}
	user, pass, err := a.requireCredentials("login")
	if err != nil {
		return err
	}
	if err := a.Configured(); err != nil {
		return a.fail(newError(a.portal, AuthFailed, "login", err))
	}

	s := a.session
	if err := s.Goto(ctx, a.cfg.LoginURL, browser.WaitLoad); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}

	var clicked bool
	if err := s.Eval(ctx, clickScript([]string{`a[href*="login"]`, `#sign-in`}, []string{"Sign In"}), &clicked); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}
	if !clicked {
		a.log.Debug("no sign-in link on landing page, expecting the form directly")
	}
	if err := s.WaitFor(ctx, "#user_email", 30*time.Second); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}
	if err := s.Fill(ctx, "#user_email", user); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}
	if err := s.Fill(ctx, "#user_password", pass); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}
	if err := s.Press(ctx, "#user_password", "Enter"); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}
	if err := a.sleep(ctx, 3*time.Second); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}

	if err := s.Goto(ctx, a.cfg.DataURL, browser.WaitNetworkIdle); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}
	var hasSummary bool
	if err := s.Eval(ctx, existsScript("#summary"), &hasSummary); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}
	if !hasSummary {
		return a.fail(newError(a.portal, AuthFailed, "login", errors.New("system summary not shown after sign in")))
	}

	a.markLoggedIn()
	a.log.Info("logged in")
	return nil
}

func (a *Enphase) Extract(ctx context.Context) (reading.Reading, error) {
	if err := a.requireSession(); err != nil {
		return nil, err
	}
	if err := a.navigate(ctx, a.cfg.DataURL, browser.WaitNetworkIdle); err != nil {
		return nil, err
	}
	if url, err := a.session.CurrentURL(ctx); err == nil && isSignInURL(url) {
		return nil, a.fail(newError(a.portal, SessionExpired, "extract", nil))
	}

	var res summaryResult
	if err := a.session.Eval(ctx, enphaseScript+"("+jsList(summaryFields)+")", &res); err != nil {
		return nil, a.fail(fromBrowser(a.portal, "extract", err))
	}
	if !res.Found {
		return nil, a.fail(newError(a.portal, ExtractionInvalid, "extract", errors.New("#summary not found")))
	}
	fields := res.Fields

	now := a.clock.Now()
	s := &reading.SolarSummary{
		Timestamp:      now,
		TodayKWh:       fields["today"].number(),
		PeakPowerKW:    fields["peak_power"].number(),
		PeakPowerTime:  fields["peak_power_time"].text(),
		LatestPowerW:   fields["latest_power"].number(),
		LatestTime:     fields["latest_time"].text(),
		Last7DaysKWh:   fields["last_7_days"].number(),
		MonthToDateKWh: fields["month_to_date"].number(),
		LifetimeMWh:    fields["lifetime"].number(),
		ACVoltageV:     fields["ac_voltage"].number(),
	}
	s.Validate(now)
	if !s.Valid {
		a.fail(newError(a.portal, ExtractionInvalid, "extract", nil))
	}
	return s, nil
}
