package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"eg4-assistant/internal/clock"
	"eg4-assistant/internal/reading"
	"eg4-assistant/internal/settings"
	"eg4-assistant/internal/snapshot"
)

// Keys under last_alerts in the settings file.
const (
	keyBatteryChecked    = "battery_checked_date"
	keyPeakDemandChecked = "peak_demand_checked_date"
	keyGridImportLast    = "grid_import_last_alert"
)

const (
	checkTolerance = time.Minute
	// inverter readings older than this are not alerted on
	maxSampleAge = 10 * time.Minute
	tickInterval = 30 * time.Second
)

type SettingsStore interface {
	Current() settings.Settings
	SetLastAlert(key, value string) error
}

type Source interface {
	Current() snapshot.Composite
	Subscribe() *snapshot.Subscription
}

type Emitter interface {
	Emit(e *reading.Event)
}

type Engine struct {
	clock    *clock.Clock
	settings SettingsStore
	source   Source
	out      Emitter
	log      *zap.Logger

	mu sync.Mutex
	// fired holds the last_alerts values set by this process. It is kept
	// even when saving them fails.
	fired map[string]string
}

func NewEngine(clk *clock.Clock, st SettingsStore, src Source, out Emitter, log *zap.Logger) *Engine {
	return &Engine{clock: clk, settings: st, source: src, out: out, log: log, fired: map[string]string{}}
}

// Run evaluates the rules on every inverter update and on a fixed tick.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	sub := e.source.Subscribe()
	defer func() { sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Evaluate(e.clock.Now())
		case u, ok := <-sub.C:
			if !ok {
				e.log.Warn("alert engine fell behind the snapshot bus, resubscribing")
				sub = e.source.Subscribe()
				continue
			}
			if u.Type == snapshot.EG4Update {
				e.Evaluate(e.clock.Now())
			}
		}
	}
}

// Evaluate checks every rule against one snapshot and returns the events it
// emitted.
func (e *Engine) Evaluate(now time.Time) []*reading.Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := e.source.Current()
	cur := e.settings.Current()

	var out []*reading.Event
	for _, rule := range []func(time.Time, snapshot.Composite, settings.Settings) *reading.Event{
		e.batteryLow,
		e.peakDemand,
		e.gridImport,
	} {
		if ev := rule(now, snap, cur); ev != nil {
			out = append(out, ev)
			e.out.Emit(ev)
		}
	}
	return out
}

func (e *Engine) fresh(s *reading.InverterSample, now time.Time) bool {
	return s.IsValid() && now.Sub(s.Timestamp) <= maxSampleAge
}

func (e *Engine) mark(key, value string) {
	e.fired[key] = value
	if err := e.settings.SetLastAlert(key, value); err != nil {
		e.log.Error("failed to save alert state", zap.String("key", key), zap.Error(err))
	}
}

func (e *Engine) batteryLow(now time.Time, snap snapshot.Composite, cur settings.Settings) *reading.Event {
	th := cur.Thresholds
	if !e.clock.Within(now, th.BatteryCheckHour, th.BatteryCheckMinute, checkTolerance) {
		return nil
	}
	today := e.clock.LocalDate(now)
	if cur.LastAlerts.BatteryCheckedDate == today || e.fired[keyBatteryChecked] == today {
		return nil
	}
	s := snap.EG4
	if s == nil || !e.fresh(s, now) {
		e.log.Debug("battery check waiting for a current inverter reading")
		return nil
	}
	e.mark(keyBatteryChecked, today)

	if s.Battery.SOC > th.BatteryLow {
		e.log.Info("battery check passed", zap.Int("soc", s.Battery.SOC), zap.Int("threshold", th.BatteryLow))
		return nil
	}
	return &reading.Event{
		Timestamp: now,
		Kind:      reading.EventBatteryLow,
		Severity:  reading.SeverityWarning,
		Portal:    reading.PortalEG4,
		Message:   fmt.Sprintf("Battery at %d%% is at or below the %d%% threshold", s.Battery.SOC, th.BatteryLow),
		Context: map[string]any{
			"soc":       s.Battery.SOC,
			"threshold": th.BatteryLow,
		},
	}
}

func (e *Engine) peakDemand(now time.Time, snap snapshot.Composite, cur settings.Settings) *reading.Event {
	th := cur.Thresholds
	if !e.clock.Within(now, th.PeakDemandCheckHour, th.PeakDemandCheckMinute, checkTolerance) {
		return nil
	}
	today := e.clock.LocalDate(now)
	if cur.LastAlerts.PeakDemandCheckedDate == today || e.fired[keyPeakDemandChecked] == today {
		return nil
	}
	u := snap.SRP
	if u == nil || !u.IsValid() {
		return nil
	}
	e.mark(keyPeakDemandChecked, today)

	if u.PeakDemandKW <= th.PeakDemand {
		return nil
	}
	return &reading.Event{
		Timestamp: now,
		Kind:      reading.EventPeakDemandHigh,
		Severity:  reading.SeverityWarning,
		Portal:    reading.PortalSRP,
		Message:   fmt.Sprintf("Peak demand of %.2f kW on %s exceeds the %.2f kW threshold", u.PeakDemandKW, u.Date, th.PeakDemand),
		Context: map[string]any{
			"peak_demand_kw": u.PeakDemandKW,
			"threshold":      th.PeakDemand,
			"date":           u.Date,
		},
	}
}

func (e *Engine) gridImport(now time.Time, snap snapshot.Composite, cur settings.Settings) *reading.Event {
	th := cur.Thresholds
	hour := e.clock.Hour(now)
	if hour < th.GridImportStartHour || hour >= th.GridImportEndHour {
		return nil
	}
	s := snap.EG4
	if s == nil || !e.fresh(s, now) || !s.Importing() || s.ImportWatts() <= th.GridImport {
		return nil
	}
	if last, ok := e.lastGridImport(cur); ok && now.Sub(last) < cur.GridImportCooldown() {
		return nil
	}
	e.mark(keyGridImportLast, now.Format(time.RFC3339Nano))

	return &reading.Event{
		Timestamp: now,
		Kind:      reading.EventGridImportHigh,
		Severity:  reading.SeverityWarning,
		Portal:    reading.PortalEG4,
		Message:   fmt.Sprintf("Importing %d W from the grid, above the %d W threshold", s.ImportWatts(), th.GridImport),
		Context: map[string]any{
			"grid_power": s.Grid.Power,
			"threshold":  th.GridImport,
		},
	}
}

// lastGridImport returns the later of the persisted and the in-process
// grid import alert times.
func (e *Engine) lastGridImport(cur settings.Settings) (time.Time, bool) {
	last, ok := cur.LastGridImportAlert()
	if t, err := time.Parse(time.RFC3339Nano, e.fired[keyGridImportLast]); err == nil && (!ok || t.After(last)) {
		return t, true
	}
	return last, ok
}
