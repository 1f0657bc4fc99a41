package portal

import (
	"context"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"eg4-assistant/internal/browser"
	"eg4-assistant/internal/reading"
)

const (
	DefaultEG4LoginURL   = "https://monitor.eg4electronics.com/WManage/web/login"
	DefaultEG4MonitorURL = "https://monitor.eg4electronics.com/WManage/web/monitor/inverter"
	DefaultEG4MaxAge     = 60 * time.Minute
)

// eg4Script reads the monitor page's value labels. PV strings are read by
// index until one is missing.
const eg4Script = `(() => {
  const text = (cls) => {
    const el = document.querySelector('.' + cls);
    return el ? (el.textContent || '').trim() : '';
  };
  const direction = (sel, neg, pos) => {
    const el = document.querySelector(sel);
    if (!el) return '';
    const c = el.className.toString().toLowerCase();
    if (neg.some((n) => c.includes(n))) return 'negative';
    if (pos.some((p) => c.includes(p))) return 'positive';
    return '';
  };
  const strings = [];
  for (let i = 1; i <= 6; i++) {
    const el = document.querySelector('.pv' + i + 'PowerText');
    if (!el) break;
    strings.push({ power: text('pv' + i + 'PowerText'), voltage: text('pv' + i + 'VoltageText') });
  }
  return {
    soc: text('socText'),
    batteryPower: text('batteryPowerText'),
    batteryVoltage: text('batteryVoltageText'),
    batteryDirection: direction('.batteryFlow', ['discharg'], ['charg']),
    strings: strings,
    gridPower: text('gridPowerText'),
    gridVoltage: text('gridVoltageText'),
    gridDirection: direction('.gridFlow', ['import', 'buy'], ['export', 'sell']),
    loadPower: text('consumptionPowerText'),
  };
})()`

type eg4Raw struct {
	SOC              string `json:"soc"`
	BatteryPower     string `json:"batteryPower"`
	BatteryVoltage   string `json:"batteryVoltage"`
	BatteryDirection string `json:"batteryDirection"`
	Strings          []struct {
		Power   string `json:"power"`
		Voltage string `json:"voltage"`
	} `json:"strings"`
	GridPower     string `json:"gridPower"`
	GridVoltage   string `json:"gridVoltage"`
	GridDirection string `json:"gridDirection"`
	LoadPower     string `json:"loadPower"`
}

// signed applies a flow indicator to a magnitude. Without an indicator the
// rendered sign is kept.
func signed(raw, direction string) int {
	v := parseInt(raw)
	switch direction {
	case "negative":
		return -int(math.Abs(float64(v)))
	case "positive":
		return int(math.Abs(float64(v)))
	}
	return v
}

func (r *eg4Raw) sample(at time.Time) *reading.InverterSample {
	s := &reading.InverterSample{
		Timestamp: at,
		Battery: reading.Battery{
			SOC:     parseInt(r.SOC),
			Power:   signed(r.BatteryPower, r.BatteryDirection),
			Voltage: parseNumber(r.BatteryVoltage),
		},
		Grid: reading.Grid{
			Power:   signed(r.GridPower, r.GridDirection),
			Voltage: parseNumber(r.GridVoltage),
		},
		Load: reading.Load{Power: parseInt(r.LoadPower)},
	}
	for i := 0; i < len(r.Strings) && i < reading.PVStringCount; i++ {
		s.PV.Strings[i] = reading.PVString{
			Power:   parseInt(r.Strings[i].Power),
			Voltage: parseNumber(r.Strings[i].Voltage),
		}
	}
	s.Finalize()
	return s
}

type EG4 struct {
	base
}

func NewEG4(cfg Config, factory browser.Factory, clock Clock, log *zap.Logger, opts ...Option) *EG4 {
	if cfg.LoginURL == "" {
		cfg.LoginURL = DefaultEG4LoginURL
	}
	if cfg.DataURL == "" {
		cfg.DataURL = DefaultEG4MonitorURL
	}
	if cfg.MaxSessionAge == 0 {
		cfg.MaxSessionAge = DefaultEG4MaxAge
	}
	return &EG4{base: newBase(reading.PortalEG4, cfg, factory, clock, log, opts)}
}

func (a *EG4) IsLoggedIn(ctx context.Context) bool {
	if a.session == nil || !a.sessionFresh() {
		return false
	}
	url, err := a.session.CurrentURL(ctx)
	if err != nil {
		a.fail(fromBrowser(a.portal, "is_logged_in", err))
		return false
	}
	lower := strings.ToLower(url)
	if strings.Contains(lower, "login") || strings.Contains(lower, "expired") {
		a.fail(newError(a.portal, SessionExpired, "is_logged_in", nil))
		return false
	}
	return true
}

func (a *EG4) Login(ctx context.Context) error {
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
	if err := s.Fill(ctx, "#account", user); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}
	if err := s.Fill(ctx, "#password", pass); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}
	if err := s.Press(ctx, "#password", "Enter"); err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}

	left, err := a.poll(ctx, 10, time.Second, func() (bool, error) {
		url, err := s.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return !strings.Contains(strings.ToLower(url), "login"), nil
	})
	if err != nil {
		return a.fail(fromBrowser(a.portal, "login", err))
	}
	if !left {
		return a.fail(newError(a.portal, AuthFailed, "login", nil))
	}

	a.markLoggedIn()
	a.log.Info("logged in")
	return nil
}

func (a *EG4) Extract(ctx context.Context) (reading.Reading, error) {
	if err := a.requireSession(); err != nil {
		return nil, err
	}
	if err := a.navigate(ctx, a.cfg.DataURL, browser.WaitNetworkIdle); err != nil {
		return nil, err
	}
	if url, err := a.session.CurrentURL(ctx); err == nil && strings.Contains(strings.ToLower(url), "login") {
		return nil, a.fail(newError(a.portal, SessionExpired, "extract", nil))
	}

	var raw eg4Raw
	_, err := a.poll(ctx, 10, time.Second, func() (bool, error) {
		raw = eg4Raw{}
		if err := a.session.Eval(ctx, eg4Script, &raw); err != nil {
			return false, err
		}
		return !isPlaceholder(raw.SOC), nil
	})
	if err != nil {
		return nil, a.fail(fromBrowser(a.portal, "extract", err))
	}
	if len(raw.Strings) > reading.PVStringCount {
		a.log.Debug("ignoring extra pv strings", zap.Int("found", len(raw.Strings)))
	}

	s := raw.sample(a.clock.Now())
	if !s.Valid {
		a.fail(newError(a.portal, ExtractionInvalid, "extract", nil))
	}
	return s, nil
}
