package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"eg4-assistant/config"
	"eg4-assistant/internal/alert"
	"eg4-assistant/internal/api"
	"eg4-assistant/internal/browser"
	"eg4-assistant/internal/clock"
	"eg4-assistant/internal/collector"
	"eg4-assistant/internal/logging"
	"eg4-assistant/internal/mqtt"
	"eg4-assistant/internal/notify"
	"eg4-assistant/internal/portal"
	"eg4-assistant/internal/reading"
	"eg4-assistant/internal/settings"
	"eg4-assistant/internal/snapshot"
	"eg4-assistant/internal/storage"
)

const sweepInterval = 24 * time.Hour

// Engine owns every long-lived component of the monitor.
type Engine struct {
	cfg  *config.Config
	log  *zap.Logger
	logs *logging.Buffer

	clock      *clock.Clock
	settings   *settings.Store
	db         *storage.Database
	bus        *snapshot.Bus
	dispatcher *alert.Dispatcher
	alerts     *alert.Engine
	collectors []*collector.Collector
	server     *api.Server
}

// New opens the stores and wires the components. Nothing runs until Run.
func New(cfg *config.Config, log *zap.Logger, logs *logging.Buffer) (*Engine, error) {
	st, err := settings.Open(cfg.Settings.Path, log.Named("settings"))
	if err != nil {
		return nil, fmt.Errorf("failed to open settings: %w", err)
	}

	clk, err := clock.New(st.Current().Timezone)
	if err != nil {
		return nil, err
	}
	st.OnChange(func(s settings.Settings) {
		if err := clk.SetTimezone(s.Timezone); err != nil {
			log.Warn("keeping previous timezone", zap.String("timezone", s.Timezone), zap.Error(err))
		}
	})

	db, err := storage.NewDatabase(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	log.Info("database opened", zap.String("path", cfg.Database.Path))

	if err := os.MkdirAll(cfg.Downloads.Dir, 0o755); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create downloads dir: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		logs:     logs,
		clock:    clk,
		settings: st,
		db:       db,
		bus:      snapshot.NewBus(snapshot.DefaultBacklog),
	}
	e.seed()

	var mailer notify.Mailer
	if cfg.Mail.MailConfigured() {
		m, err := notify.NewMailer(notify.MailConfig{
			Provider:       cfg.Mail.Provider,
			From:           cfg.Mail.From,
			FromName:       cfg.Mail.FromName,
			SMTPHost:       cfg.Mail.SMTPHost,
			SMTPPort:       cfg.Mail.SMTPPort,
			SMTPUsername:   cfg.Mail.SMTPUsername,
			SMTPPassword:   cfg.Mail.SMTPPassword,
			SMTPTLS:        cfg.Mail.SMTPTLS,
			SendGridAPIKey: cfg.Mail.SendGridAPIKey,
		})
		if err != nil {
			log.Warn("email disabled", zap.Error(err))
		} else {
			mailer = m
		}
	} else {
		log.Info("no mail provider configured, alerts will not be emailed")
	}
	notifier := notify.NewNotifier(mailer, cfg.Mail.SystemName, st, clk.Location, log.Named("notify"))

	e.dispatcher = alert.NewDispatcher(db, e.bus, notifier, 0, log.Named("events"))
	e.alerts = alert.NewEngine(clk, st, e.bus, e.dispatcher, log.Named("alert"))

	factory := browser.NewFactory(browser.Options{
		ExecPath:    cfg.Browser.ExecPath,
		UserAgent:   cfg.Browser.UserAgent,
		Headless:    cfg.Browser.Headless,
		Timeout:     cfg.Browser.Timeout,
		DownloadDir: cfg.Downloads.Dir,
	}, log.Named("browser"))

	for _, p := range reading.Portals {
		pc := e.portalConfig(p)
		if !pc.Enabled {
			log.Info("portal disabled", zap.String("portal", string(p)))
			continue
		}
		e.collectors = append(e.collectors, e.newCollector(p, pc, factory))
	}

	controllers := make([]api.Controller, 0, len(e.collectors))
	for _, c := range e.collectors {
		controllers = append(controllers, c)
	}
	e.server = api.NewServer(api.ServerConfig{
		Port:            cfg.API.Port,
		Bus:             e.bus,
		Database:        db,
		Settings:        st,
		Collectors:      controllers,
		Logs:            logs,
		DownloadsDir:    cfg.Downloads.Dir,
		Clock:           clk,
		RefreshInterval: cfg.API.RefreshInterval,
		Log:             log.Named("api"),
	})
	return e, nil
}

func (e *Engine) portalConfig(p reading.Portal) config.PortalConfig {
	switch p {
	case reading.PortalSRP:
		return e.cfg.Portals.SRP
	case reading.PortalEnphase:
		return e.cfg.Portals.Enphase
	}
	return e.cfg.Portals.EG4
}

func (e *Engine) newCollector(p reading.Portal, pc config.PortalConfig, factory browser.Factory) *collector.Collector {
	log := e.log.Named("collector." + string(p))
	acfg := portal.Config{
		LoginURL:      pc.LoginURL,
		DataURL:       pc.DataURL,
		MaxSessionAge: pc.MaxSessionAge,
		DownloadDir:   e.cfg.Downloads.Dir,
	}

	var adapter portal.Adapter
	switch p {
	case reading.PortalSRP:
		adapter = portal.NewSRP(acfg, factory, e.clock, log)
	case reading.PortalEnphase:
		adapter = portal.NewEnphase(acfg, factory, e.clock, log)
	default:
		adapter = portal.NewEG4(acfg, factory, e.clock, log)
	}

	cc := collector.DefaultConfig(p)
	cc.Adapter = adapter
	cc.Store = e.db
	cc.Bus = e.bus
	cc.Events = e.dispatcher
	cc.Settings = e.settings
	cc.Clock = e.clock
	cc.Log = log
	if pc.Interval > 0 {
		cc.Interval = pc.Interval
	}
	return collector.NewCollector(cc)
}

// seed loads the last persisted reading of each portal into the bus.
func (e *Engine) seed() {
	if s, err := e.db.LatestInverterSample(); err != nil {
		e.log.Warn("could not load last inverter sample", zap.Error(err))
	} else if s != nil {
		e.bus.Seed(s)
	}
	if u, err := e.db.LatestUtilityDaily(); err != nil {
		e.log.Warn("could not load last utility record", zap.Error(err))
	} else if u != nil {
		e.bus.Seed(u)
	}
	if s, err := e.db.LatestSolarSummary(); err != nil {
		e.log.Warn("could not load last solar summary", zap.Error(err))
	} else if s != nil {
		e.bus.Seed(s)
	}
}

func (e *Engine) Bus() *snapshot.Bus { return e.bus }

func (e *Engine) Collectors() []*collector.Collector { return e.collectors }

// Collector returns the collector for p when that portal is enabled.
func (e *Engine) Collector(p reading.Portal) (*collector.Collector, bool) {
	for _, c := range e.collectors {
		if c.Portal() == p {
			return c, true
		}
	}
	return nil, false
}

// Sweep applies the configured retention policy once.
func (e *Engine) Sweep() (storage.SweepResult, error) {
	res, err := e.db.Sweep(e.clock.Now(), e.cfg.Retention.Policy())
	if err != nil {
		return res, fmt.Errorf("retention sweep: %w", err)
	}
	e.log.Info("retention sweep finished",
		zap.Int64("inverter_samples", res.InverterSamples),
		zap.Int64("solar_readings", res.SolarReadings),
		zap.Int64("events", res.InfoEvents+res.ErrorEvents+res.AlertEvents),
	)
	return res, nil
}

func (e *Engine) sweepLoop(ctx context.Context) error {
	if _, err := e.Sweep(); err != nil {
		e.log.Error("retention sweep failed", zap.Error(err))
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.Sweep(); err != nil {
				e.log.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) mirror(ctx context.Context) error {
	if !e.cfg.MQTT.Enabled {
		return nil
	}
	pub, err := mqtt.NewPublisher(mqtt.PublisherConfig{
		Broker:      e.cfg.MQTT.Broker,
		ClientID:    e.cfg.MQTT.ClientID,
		Username:    e.cfg.MQTT.Username,
		Password:    e.cfg.MQTT.Password,
		TopicPrefix: e.cfg.MQTT.TopicPrefix,
		Enabled:     true,
	}, e.log.Named("mqtt"))
	if err != nil {
		e.log.Warn("mqtt mirror disabled", zap.Error(err))
		return nil
	}
	defer pub.Close()
	return pub.Run(ctx, e.bus)
}

// Run starts every component and blocks until ctx is done or one of them
// fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.dispatcher.Run(ctx) })
	g.Go(func() error { return e.alerts.Run(ctx) })
	g.Go(func() error {
		if err := e.settings.Watch(ctx); err != nil {
			e.log.Warn("settings watcher stopped", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error { return e.sweepLoop(ctx) })
	g.Go(func() error { return e.mirror(ctx) })

	for _, c := range e.collectors {
		c := c
		g.Go(func() error { return c.Run(ctx) })
	}

	if e.cfg.API.Enabled {
		g.Go(func() error { return e.server.Run(ctx) })
	}

	e.log.Info("engine started",
		zap.Int("collectors", len(e.collectors)),
		zap.Bool("api", e.cfg.API.Enabled),
		zap.String("timezone", e.clock.Location().String()),
	)
	return g.Wait()
}

// Close stops any browser left open by one-shot commands and closes the
// database.
func (e *Engine) Close() error {
	for _, c := range e.collectors {
		if err := c.Close(); err != nil {
			e.log.Warn("failed to stop browser", zap.String("portal", string(c.Portal())), zap.Error(err))
		}
	}
	return e.db.Close()
}
