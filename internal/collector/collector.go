package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"eg4-assistant/internal/clock"
	"eg4-assistant/internal/metrics"
	"eg4-assistant/internal/portal"
	"eg4-assistant/internal/reading"
	"eg4-assistant/internal/settings"
)

type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateOperational State = "operational"
	StateDegraded    State = "degraded"
	StateRestarting  State = "restarting"
	StateFailed      State = "failed"
	// StateUnconfigured means cycles are skipped until settings are filled in.
	StateUnconfigured State = "unconfigured"
)

// Store is the part of the database a collector writes to.
type Store interface {
	PutInverterSample(s *reading.InverterSample) (uint, error)
	PutUtilityDaily(u *reading.UtilityDaily) error
	PutUtilityCSV(date string, kind reading.ChartKind, path string, fetchedAt time.Time) error
	PutSolarSummary(s *reading.SolarSummary) error
	UtilityDailyFor(date string) (*reading.UtilityDaily, error)
}

type Publisher interface {
	Publish(r reading.Reading)
	SetConnected(p reading.Portal, ok bool)
}

type EventSink interface {
	Emit(e *reading.Event)
}

type SettingsSource interface {
	Current() settings.Settings
}

// Schedule selects between a fixed interval and a daily wall-clock run.
type Schedule int

const (
	EveryInterval Schedule = iota
	Daily
)

type Config struct {
	Adapter  portal.Adapter
	Store    Store
	Bus      Publisher
	Events   EventSink
	Settings SettingsSource
	Clock    *clock.Clock
	Log      *zap.Logger

	Schedule Schedule
	Interval time.Duration
	// IterationTimeout marks a cycle as stuck. Defaults to Interval*3.
	IterationTimeout time.Duration
	DailyCheck       time.Duration

	ExtractAttempts int
	ExtractBase     time.Duration
	LoginAttempts   int
	LoginDelay      time.Duration
	MaxFailures     int
	MaxRestarts     int
	// RestartUnit scales the wait between outer attempts.
	RestartUnit time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultConfig fills the cadence and retry policy for a portal.
func DefaultConfig(p reading.Portal) Config {
	cfg := Config{
		Interval:        60 * time.Second,
		ExtractAttempts: 2,
		ExtractBase:     time.Second,
		LoginAttempts:   3,
		LoginDelay:      5 * time.Second,
		MaxFailures:     5,
		MaxRestarts:     5,
		RestartUnit:     60 * time.Second,
		DailyCheck:      30 * time.Second,
	}
	if p == reading.PortalSRP {
		cfg.Schedule = Daily
		cfg.ExtractAttempts = 3
		cfg.ExtractBase = 2 * time.Second
		cfg.IterationTimeout = 15 * time.Minute
	}
	return cfg
}

var errStuck = errors.New("collector iteration exceeded its deadline")

type Collector struct {
	cfg     Config
	adapter portal.Adapter
	portal  reading.Portal
	log     *zap.Logger

	refresh  chan struct{}
	download chan struct{}

	mu           sync.RWMutex
	state        State
	failures     int
	restarts     int
	lastSuccess  time.Time
	lastError    string
	storeFailing bool
	healthy      bool
	unready      string
}

func NewCollector(cfg Config) *Collector {
	def := DefaultConfig(cfg.Adapter.Name())
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.IterationTimeout <= 0 {
		cfg.IterationTimeout = def.IterationTimeout
		if cfg.IterationTimeout <= 0 {
			cfg.IterationTimeout = cfg.Interval * 3
		}
	}
	if cfg.DailyCheck <= 0 {
		cfg.DailyCheck = def.DailyCheck
	}
	if cfg.ExtractAttempts <= 0 {
		cfg.ExtractAttempts = def.ExtractAttempts
	}
	if cfg.ExtractBase <= 0 {
		cfg.ExtractBase = def.ExtractBase
	}
	if cfg.LoginAttempts <= 0 {
		cfg.LoginAttempts = def.LoginAttempts
	}
	if cfg.LoginDelay <= 0 {
		cfg.LoginDelay = def.LoginDelay
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = def.MaxRestarts
	}
	if cfg.RestartUnit <= 0 {
		cfg.RestartUnit = def.RestartUnit
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Collector{
		cfg:      cfg,
		adapter:  cfg.Adapter,
		portal:   cfg.Adapter.Name(),
		log:      cfg.Log,
		refresh:  make(chan struct{}, 1),
		download: make(chan struct{}, 1),
		state:    StateIdle,
	}
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

func (c *Collector) Portal() reading.Portal { return c.portal }

// Refresh asks for one extraction as soon as possible. It never blocks.
func (c *Collector) Refresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// DownloadNow asks for an immediate artifact download.
func (c *Collector) DownloadNow() {
	select {
	case c.download <- struct{}{}:
	default:
	}
}

// Run supervises the portal until ctx is done or the restart budget is
// spent. Giving up is not an error for the caller: other portals keep
// running.
func (c *Collector) Run(ctx context.Context) error {
	defer c.adapter.Stop()

	attempts := 0
	for {
		c.setState(StateStarting)
		err := c.loop(ctx)
		if ctx.Err() != nil {
			c.setState(StateIdle)
			return nil
		}

		c.mu.Lock()
		if c.healthy {
			attempts = 0
			c.healthy = false
		}
		attempts++
		c.restarts++
		c.lastError = err.Error()
		c.mu.Unlock()

		if portal.KindOf(err) == portal.BrowserDead || errors.Is(err, errStuck) {
			c.log.Warn("recycling browser session", zap.Error(err), zap.Int("attempt", attempts))
			c.adapter.Stop()
		} else {
			c.log.Warn("collector loop failed", zap.Error(err), zap.Int("attempt", attempts))
			c.adapter.Invalidate()
		}
		c.cfg.Bus.SetConnected(c.portal, false)
		metrics.SetConnected(string(c.portal), false)

		if attempts >= c.cfg.MaxRestarts {
			c.setState(StateFailed)
			c.log.Error("giving up on portal", zap.Int("attempts", attempts), zap.Error(err))
			c.emit(reading.SeverityCritical,
				fmt.Sprintf("%s collector stopped after %d failed restarts: %v", c.portal, attempts, err),
				map[string]any{"attempts": attempts, "error_kind": portal.KindOf(err).String()})
			return nil
		}

		wait := time.Duration(min(60*attempts, 300)) * c.cfg.RestartUnit / 60
		c.setState(StateRestarting)
		c.log.Info("restarting collector", zap.Duration("wait", wait))
		if err := c.cfg.Sleep(ctx, wait); err != nil {
			c.setState(StateIdle)
			return nil
		}
	}
}

func (c *Collector) loop(ctx context.Context) error {
	if c.cfg.Schedule == Daily {
		return c.dailyLoop(ctx)
	}
	return c.intervalLoop(ctx)
}

func (c *Collector) intervalLoop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-c.refresh:
			c.log.Info("manual refresh")
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if err := c.runJob(ctx, c.collectJob); err != nil {
			return err
		}
		timer.Reset(c.cfg.Interval)
	}
}

func (c *Collector) dailyLoop(ctx context.Context) error {
	today := c.cfg.Clock.Today()
	existing, err := c.cfg.Store.UtilityDailyFor(today)
	if err != nil {
		c.log.Warn("could not check today's utility record", zap.Error(err))
	}
	if existing == nil {
		c.log.Info("no utility record for today, fetching now", zap.String("date", today))
		if err := c.runJob(ctx, c.dailyJob); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(c.cfg.DailyCheck)
	defer ticker.Stop()

	for {
		var job func(context.Context) error
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sched := c.cfg.Settings.Current().Schedule
			if !c.cfg.Clock.IsAt("collector."+string(c.portal), sched.UtilityHour, sched.UtilityMinute, time.Minute) {
				continue
			}
			c.log.Info("scheduled daily fetch")
			job = c.dailyJob
		case <-c.refresh:
			c.log.Info("manual refresh")
			job = c.collectJob
		case <-c.download:
			c.log.Info("manual download")
			job = c.downloadJob
		}
		if err := c.runJob(ctx, job); err != nil {
			return err
		}
	}
}

type Status struct {
	Portal              reading.Portal      `json:"portal"`
	State               State               `json:"state"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	Restarts            int                 `json:"restarts"`
	LastSuccess         *time.Time          `json:"last_success,omitempty"`
	LastError           string              `json:"last_error,omitempty"`
	Session             portal.SessionState `json:"session"`
}

func (c *Collector) Status() Status {
	c.mu.RLock()
	st := Status{
		Portal:              c.portal,
		State:               c.state,
		ConsecutiveFailures: c.failures,
		Restarts:            c.restarts,
		LastError:           c.lastError,
	}
	if !c.lastSuccess.IsZero() {
		t := c.lastSuccess
		st.LastSuccess = &t
	}
	c.mu.RUnlock()
	st.Session = c.adapter.State()
	return st
}

func (c *Collector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Collector) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != s {
		c.log.Debug("state change", zap.String("from", string(c.state)), zap.String("to", string(s)))
		c.state = s
	}
}

func (c *Collector) emit(sev reading.Severity, msg string, ctx map[string]any) {
	if c.cfg.Events == nil {
		return
	}
	c.cfg.Events.Emit(&reading.Event{
		Timestamp: c.cfg.Clock.Now(),
		Kind:      reading.EventError,
		Severity:  sev,
		Message:   msg,
		Portal:    c.portal,
		Context:   ctx,
	})
}
