package portal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"eg4-assistant/internal/browser"
	"eg4-assistant/internal/clock"
	"eg4-assistant/internal/reading"
)

const (
	DefaultSRPLoginURL = "https://myaccount.srpnet.com/power/login"
	DefaultSRPUsageURL = "https://myaccount.srpnet.com/power/myaccount/usage"
	DefaultSRPMaxAge   = 30 * time.Minute

	chartSettle     = 3 * time.Second
	downloadTimeout = 60 * time.Second
)

// srpPeakScript returns the highlighted peak demand text, e.g. "4.73 kW",
// or "" when the usage page has not rendered it.
const srpPeakScript = `(() => {
  const selectors = [
    '.peak-demand .value',
    '[data-testid="peak-demand"]',
    '.usage-summary .text-danger',
    'span[style*="color: red"]',
    'span[style*="color:red"]',
    '.text-danger',
  ];
  const unit = /(\d+(?:\.\d+)?)\s*kW(?![a-zA-Z])/;
  for (const sel of selectors) {
    for (const el of document.querySelectorAll(sel)) {
      const m = (el.textContent || '').match(unit);
      if (m) return m[0];
    }
  }
  const body = document.body ? (document.body.innerText || '') : '';
  const m = body.match(/\d{1,3}\.\d{2}\s*kW(?![a-zA-Z])/);
  return m ? m[0] : '';
})()`

var chartButtons = map[reading.ChartKind]struct {
	selectors []string
	labels    []string
}{
	reading.ChartNet:        {[]string{`button[data-chart="net"]`, `#netEnergyButton`}, []string{"Net energy", "Net"}},
	reading.ChartGeneration: {[]string{`button[data-chart="generation"]`, `#generationButton`}, []string{"Generation"}},
	reading.ChartUsage:      {[]string{`button[data-chart="usage"]`, `#usageButton`}, []string{"Energy usage", "Usage"}},
	reading.ChartDemand:     {[]string{`button[data-chart="demand"]`, `#demandButton`}, []string{"Demand"}},
}

var exportButton = struct {
	selectors []string
	labels    []string
}{
	[]string{`button[aria-label="Export to Excel"]`, `#exportButton`, `.export-button`, `a[download]`},
	[]string{"Export to Excel", "Export", "Download"},
}

type SRP struct {
	base
}

func NewSRP(cfg Config, factory browser.Factory, clock Clock, log *zap.Logger, opts ...Option) *SRP {
	if cfg.LoginURL == "" {
		cfg.LoginURL = DefaultSRPLoginURL
	}
	if cfg.DataURL == "" {
		cfg.DataURL = DefaultSRPUsageURL
	}
	if cfg.MaxSessionAge == 0 {
		cfg.MaxSessionAge = DefaultSRPMaxAge
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "downloads"
	}
	return &SRP{base: newBase(reading.PortalSRP, cfg, factory, clock, log, opts)}
}

func (a *SRP) IsLoggedIn(ctx context.Context) bool {
	if a.session == nil || !a.sessionFresh() {
		return false
	}
	url, err := a.session.CurrentURL(ctx)
	if err != nil {
		a.fail(fromBrowser(a.portal, "is_logged_in", err))
		return false
	}
	if strings.Contains(strings.ToLower(url), "login") {
		a.fail(newError(a.portal, SessionExpired, "is_logged_in", nil))
		return false
	}
	return true
}

func (a *SRP) Login(ctx context.Context) error {
	if err := a.requireSession(); err != nil {
		return err
	}
	user, pass, err := a.requireCredentials("login")
	if err != nil {
		return err
	}

	s := a.session
	if err := s.Goto(ctx, a.cfg.LoginURL, browser.WaitLoad); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}
	if err := s.Fill(ctx, "#username", user); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}
	if err := s.Fill(ctx, "#password", pass); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}
	if err := s.Click(ctx, `button[type="submit"]`); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}

	ok, err := a.poll(ctx, 15, time.Second, func() (bool, error) {
		url, err := s.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		if !strings.Contains(strings.ToLower(url), "/myaccount") {
			return false, nil
		}
		var formShown bool
		if err := s.Eval(ctx, existsScript("#username"), &formShown); err != nil {
			return false, err
		}
		return !formShown, nil
	})
	if err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}
	if !ok {
		return a.fail(newError(a.portal, AuthFailed, "login", nil))
	}

	a.markLoggedIn()
	a.log.Info("logged in")
	return nil
}

var kwSuffix = regexp.MustCompile(`(?i)\s*kw$`)

// Extract reads today's peak demand from the usage page.
func (a *SRP) Extract(ctx context.Context) (reading.Reading, error) {
	if err := a.requireSession(); err != nil {
		return nil, err
	}
	if err := a.session.Goto(ctx, a.cfg.DataURL, browser.WaitNetworkIdle); err != nil {
		return nil, a.fail(fromBrowser(a.portal, "extract", err))
	}
	if url, err := a.session.CurrentURL(ctx); err == nil && strings.Contains(strings.ToLower(url), "login") {
		return nil, a.fail(newError(a.portal, SessionExpired, "extract", nil))
	}

	var text string
	found, err := a.poll(ctx, 5, 2*time.Second, func() (bool, error) {
		if err := a.session.Eval(ctx, srpPeakScript, &text); err != nil {
			return false, err
		}
		return strings.TrimSpace(text) != "", nil
	})
	if err != nil {
		return nil, a.fail(fromBrowser(a.portal, "extract", err))
	}
	if !found {
		return nil, a.fail(newError(a.portal, ExtractionInvalid, "extract", errors.New("peak demand not found on usage page")))
	}

	now := a.clock.Now()
	u := &reading.UtilityDaily{
		Date:         now.Format(clock.DateLayout),
		PeakDemandKW: parseNumber(kwSuffix.ReplaceAllString(strings.TrimSpace(text), "")),
		FetchedAt:    now,
	}
	return u, nil
}

// DownloadArtifacts exports every chart as CSV. A chart that fails is
// skipped; the error is returned only when nothing was saved.
func (a *SRP) DownloadArtifacts(ctx context.Context) (map[reading.ChartKind]string, error) {
	if err := a.requireSession(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.cfg.DownloadDir, 0o755); err != nil {
		return nil, a.fail(newError(a.portal, DownloadFailed, "download", err))
	}
	if err := a.session.Goto(ctx, a.cfg.DataURL, browser.WaitNetworkIdle); err != nil {
		return nil, a.fail(fromBrowser(a.portal, "download", err))
	}

	paths := make(map[reading.ChartKind]string)
	var errs []error
	for _, kind := range reading.ChartKinds {
		path, err := a.downloadChart(ctx, kind)
		if err != nil {
			if ctx.Err() != nil {
				return paths, ctx.Err()
			}
			if KindOf(err) == BrowserDead {
				return paths, a.fail(newError(a.portal, BrowserDead, "download", err))
			}
			a.log.Warn("chart download failed", zap.String("chart", string(kind)), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		a.log.Info("chart downloaded", zap.String("chart", string(kind)), zap.String("path", path))
		paths[kind] = path
	}
	if len(paths) == 0 {
		return paths, a.fail(newError(a.portal, DownloadFailed, "download", errors.Join(errs...)))
	}
	return paths, nil
}

func (a *SRP) downloadChart(ctx context.Context, kind reading.ChartKind) (string, error) {
	btn := chartButtons[kind]
	var clicked bool
	if err := a.session.Eval(ctx, clickScript(btn.selectors, btn.labels), &clicked); err != nil {
		return "", fromBrowser(a.portal, "download", err)
	}
	if !clicked {
		return "", newError(a.portal, DownloadFailed, "download", fmt.Errorf("%s chart button not found", kind))
	}
	if err := a.sleep(ctx, chartSettle); err != nil {
		return "", err
	}

	tmp, err := a.session.ExpectDownload(ctx, func(ctx context.Context) error {
		var ok bool
		if err := a.session.Eval(ctx, clickScript(exportButton.selectors, exportButton.labels), &ok); err != nil {
			return err
		}
		if !ok {
			return errors.New("export button not found")
		}
		return nil
	}, downloadTimeout)
	if err != nil {
		if browser.IsDead(err) {
			return "", fromBrowser(a.portal, "download", err)
		}
		return "", newError(a.portal, DownloadFailed, "download", fmt.Errorf("%s: %w", kind, err))
	}

	dst := filepath.Join(a.cfg.DownloadDir, CSVFileName(kind, a.clock.Now()))
	if err := os.Rename(tmp, dst); err != nil {
		return "", newError(a.portal, DownloadFailed, "download", err)
	}
	return dst, nil
}

const csvStampLayout = "20060102_150405"

// CSVFileName is util_<kind>_<YYYYMMDD_HHMMSS>.csv.
func CSVFileName(kind reading.ChartKind, at time.Time) string {
	return fmt.Sprintf("util_%s_%s.csv", kind, at.Format(csvStampLayout))
}

var csvNamePattern = regexp.MustCompile(`^util_([a-z]+)_(\d{8}_\d{6})\.csv$`)

// ParseCSVFileName returns the chart kind and timestamp encoded in name.
func ParseCSVFileName(name string, loc *time.Location) (reading.ChartKind, time.Time, bool) {
	m := csvNamePattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return "", time.Time{}, false
	}
	kind, ok := reading.ParseChartKind(m[1])
	if !ok {
		return "", time.Time{}, false
	}
	ts, err := time.ParseInLocation(csvStampLayout, m[2], loc)
	if err != nil {
		return "", time.Time{}, false
	}
	return kind, ts, true
}
