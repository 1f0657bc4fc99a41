package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"eg4-assistant/internal/metrics"
	"eg4-assistant/internal/portal"
	"eg4-assistant/internal/reading"
)

// runJob runs one iteration under the stuck-iteration deadline. A returned
// error sends the collector back to the supervisor.
func (c *Collector) runJob(ctx context.Context, work func(context.Context) error) error {
	jctx, cancel := context.WithTimeout(ctx, c.cfg.IterationTimeout)
	defer cancel()

	err := c.iteration(jctx, work)
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(jctx.Err(), context.DeadlineExceeded) {
		metrics.CollectorCycles.WithLabelValues(string(c.portal), "stuck").Inc()
		return fmt.Errorf("%w after %s", errStuck, c.cfg.IterationTimeout)
	}
	return err
}

func (c *Collector) iteration(ctx context.Context, work func(context.Context) error) error {
	if err := c.applySettings(); err != nil {
		c.notReady(err)
		return nil
	}
	c.ready()

	if err := c.adapter.Start(ctx); err != nil {
		return err
	}
	if !c.adapter.IsLoggedIn(ctx) {
		if err := c.login(ctx); err != nil {
			if portal.KindOf(err) == portal.BrowserDead {
				return err
			}
			c.log.Warn("login failed, skipping cycle", zap.Error(err))
			return c.failure(err)
		}
	}
	return work(ctx)
}

var errNoCredentials = errors.New("credentials not configured")

// applySettings pushes the current credentials to the adapter and reports
// anything that makes starting a browser pointless.
func (c *Collector) applySettings() error {
	if c.cfg.Settings != nil {
		user, pass := c.cfg.Settings.Current().Credentials.For(c.portal)
		if user == "" || pass == "" {
			return errNoCredentials
		}
		c.adapter.SetCredentials(user, pass)
	}
	if pf, ok := c.adapter.(portal.Preflight); ok {
		return pf.Configured()
	}
	return nil
}

// notReady skips a cycle without counting it as a failure. One warning
// event is raised per distinct cause.
func (c *Collector) notReady(cause error) {
	c.mu.Lock()
	first := c.unready != cause.Error()
	c.unready = cause.Error()
	c.state = StateUnconfigured
	c.lastError = cause.Error()
	c.mu.Unlock()

	if !first {
		c.log.Debug("portal not configured, skipping cycle", zap.Error(cause))
		return
	}
	c.log.Warn("portal not configured, skipping collection", zap.Error(cause))
	c.emit(reading.SeverityWarning, fmt.Sprintf("%s: collection paused: %v", c.portal, cause),
		map[string]any{"error_kind": "not_configured"})
}

func (c *Collector) ready() {
	c.mu.Lock()
	was := c.unready
	c.unready = ""
	c.mu.Unlock()
	if was != "" {
		c.log.Info("portal configuration complete, resuming collection")
	}
}

func (c *Collector) login(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= c.cfg.LoginAttempts; attempt++ {
		if err = c.adapter.Login(ctx); err == nil {
			c.log.Info("logged in", zap.Int("attempt", attempt))
			return nil
		}
		if k := portal.KindOf(err); k == portal.BrowserDead || ctx.Err() != nil {
			return err
		}
		c.log.Debug("login attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < c.cfg.LoginAttempts {
			if serr := c.cfg.Sleep(ctx, c.cfg.LoginDelay); serr != nil {
				return err
			}
		}
	}
	return err
}

// extract calls the adapter with exponential backoff. A dead browser or an
// expired session is not retried here.
func (c *Collector) extract(ctx context.Context) (reading.Reading, error) {
	start := time.Now()
	defer func() {
		metrics.ExtractDuration.WithLabelValues(string(c.portal)).Observe(time.Since(start).Seconds())
	}()

	var r reading.Reading
	op := func() error {
		var err error
		r, err = c.adapter.Extract(ctx)
		if err == nil {
			return nil
		}
		switch portal.KindOf(err) {
		case portal.BrowserDead, portal.SessionExpired:
			return backoff.Permanent(err)
		}
		c.log.Debug("extract attempt failed", zap.Error(err))
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ExtractBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.ExtractAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return r, nil
}

// collectJob extracts one reading and hands it to the store and the bus.
func (c *Collector) collectJob(ctx context.Context) error {
	r, err := c.extract(ctx)
	if err != nil {
		if portal.KindOf(err) == portal.BrowserDead {
			return err
		}
		return c.failure(err)
	}
	if r == nil || !r.IsValid() {
		return c.failure(errors.New("invalid reading"))
	}
	c.accept(r)
	return nil
}

func (c *Collector) downloadJob(ctx context.Context) error {
	dl, ok := c.adapter.(portal.Downloader)
	if !ok {
		return nil
	}
	paths, err := dl.DownloadArtifacts(ctx)
	if err != nil {
		if portal.KindOf(err) == portal.BrowserDead {
			return err
		}
		c.log.Warn("artifact download failed", zap.Error(err))
		return c.failure(err)
	}

	now := c.cfg.Clock.Now()
	date := c.cfg.Clock.LocalDate(now)
	for kind, path := range paths {
		if err := c.cfg.Store.PutUtilityCSV(date, kind, path, now); err != nil {
			c.storeFailed(err)
			continue
		}
		c.storeRecovered()
	}
	c.log.Info("artifacts downloaded", zap.Int("files", len(paths)))

	u := c.mergedUtility(date, &reading.UtilityDaily{Date: date, CSVPaths: paths, FetchedAt: now})
	c.cfg.Bus.Publish(u)
	c.succeeded()
	return nil
}

// dailyJob extracts the peak and then downloads every chart.
func (c *Collector) dailyJob(ctx context.Context) error {
	if err := c.collectJob(ctx); err != nil {
		return err
	}
	if !c.adapter.IsLoggedIn(ctx) {
		return nil
	}
	return c.downloadJob(ctx)
}

func (c *Collector) accept(r reading.Reading) {
	var err error
	switch v := r.(type) {
	case *reading.InverterSample:
		_, err = c.cfg.Store.PutInverterSample(v)
	case *reading.SolarSummary:
		err = c.cfg.Store.PutSolarSummary(v)
	case *reading.UtilityDaily:
		err = c.cfg.Store.PutUtilityDaily(v)
		if err == nil {
			r = c.mergedUtility(v.Date, v)
		}
	}
	if err != nil {
		c.storeFailed(err)
	} else {
		c.storeRecovered()
	}

	c.cfg.Bus.Publish(r)
	c.succeeded()
}

// mergedUtility returns the stored record for date, which carries every
// chart file fetched so far, falling back to u.
func (c *Collector) mergedUtility(date string, u *reading.UtilityDaily) *reading.UtilityDaily {
	stored, err := c.cfg.Store.UtilityDailyFor(date)
	if err != nil || stored == nil {
		return u
	}
	if u.PeakDemandKW > 0 {
		stored.PeakDemandKW = u.PeakDemandKW
	}
	return stored
}

func (c *Collector) succeeded() {
	c.mu.Lock()
	c.failures = 0
	c.healthy = true
	c.lastSuccess = c.cfg.Clock.Now()
	c.lastError = ""
	c.state = StateOperational
	c.mu.Unlock()

	metrics.CollectorCycles.WithLabelValues(string(c.portal), "ok").Inc()
	metrics.SetConnected(string(c.portal), true)
}

// failure counts a bad cycle. At the limit the session is thrown away and
// the next cycle starts a fresh one.
func (c *Collector) failure(cause error) error {
	c.mu.Lock()
	c.failures++
	n := c.failures
	c.lastError = cause.Error()
	c.state = StateDegraded
	if n >= c.cfg.MaxFailures {
		c.failures = 0
	}
	c.mu.Unlock()

	metrics.CollectorCycles.WithLabelValues(string(c.portal), "failed").Inc()
	metrics.SetConnected(string(c.portal), false)
	c.cfg.Bus.SetConnected(c.portal, false)
	c.log.Warn("collection failed", zap.Int("consecutive", n), zap.Error(cause))

	if n >= c.cfg.MaxFailures {
		c.emit(reading.SeverityError,
			fmt.Sprintf("%s: %d consecutive failed collections, restarting browser: %v", c.portal, n, cause),
			map[string]any{"consecutive_failures": n, "error_kind": portal.KindOf(cause).String()})
		c.adapter.Stop()
	}
	return nil
}

func (c *Collector) storeFailed(err error) {
	metrics.StoreErrors.Inc()
	c.log.Error("store write failed", zap.Error(err))

	c.mu.Lock()
	first := !c.storeFailing
	c.storeFailing = true
	c.mu.Unlock()

	if first {
		c.emit(reading.SeverityError, fmt.Sprintf("%s: could not save reading: %v", c.portal, err),
			map[string]any{"error_kind": portal.StoreError.String()})
	}
}

func (c *Collector) storeRecovered() {
	c.mu.Lock()
	was := c.storeFailing
	c.storeFailing = false
	c.mu.Unlock()
	if was {
		c.log.Info("store writes recovered")
	}
}

// ReadOnce logs in if needed and returns a single reading without storing
// it. The session is left running.
func (c *Collector) ReadOnce(ctx context.Context) (reading.Reading, error) {
	if err := c.applySettings(); err != nil {
		return nil, fmt.Errorf("%s: %w", c.portal, err)
	}
	if err := c.adapter.Start(ctx); err != nil {
		return nil, err
	}
	if !c.adapter.IsLoggedIn(ctx) {
		if err := c.login(ctx); err != nil {
			return nil, err
		}
	}
	return c.extract(ctx)
}

// CheckLogin verifies the configured credentials against the portal.
func (c *Collector) CheckLogin(ctx context.Context) error {
	if err := c.applySettings(); err != nil {
		return fmt.Errorf("%s: %w", c.portal, err)
	}
	if err := c.adapter.Start(ctx); err != nil {
		return err
	}
	c.adapter.Invalidate()
	return c.login(ctx)
}

// Close stops the browser session left by ReadOnce or CheckLogin.
func (c *Collector) Close() error {
	return c.adapter.Stop()
}
