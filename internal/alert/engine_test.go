package alert

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eg4-assistant/internal/clock"
	"eg4-assistant/internal/reading"
	"eg4-assistant/internal/settings"
	"eg4-assistant/internal/snapshot"
)

var mst = time.FixedZone("MST", -7*3600)

type captured struct {
	mu     sync.Mutex
	events []*reading.Event
}

func (c *captured) Emit(e *reading.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

type fixture struct {
	engine   *Engine
	bus      *snapshot.Bus
	settings *settings.Store
	out      *captured
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := settings.Open(filepath.Join(t.TempDir(), "settings.json"), zap.NewNop())
	require.NoError(t, err)
	clk, err := clock.New("America/Phoenix")
	require.NoError(t, err)

	f := &fixture{bus: snapshot.NewBus(8), settings: st, out: &captured{}}
	f.engine = NewEngine(clk, st, f.bus, f.out, zap.NewNop())
	return f
}

func (f *fixture) inverter(at time.Time, soc, grid int) {
	s := &reading.InverterSample{
		Timestamp: at,
		Battery:   reading.Battery{SOC: soc, Power: 500, Voltage: 51.8},
		Grid:      reading.Grid{Power: grid, Voltage: 240},
		Load:      reading.Load{Power: 2400},
	}
	s.Finalize()
	f.bus.Publish(s)
}

func at(hour, min, sec int) time.Time {
	return time.Date(2024, 3, 10, hour, min, sec, 0, mst)
}

func kinds(events []*reading.Event) []reading.EventKind {
	out := make([]reading.EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestEngine_BatteryLowOncePerDay(t *testing.T) {
	f := newFixture(t)
	now := at(6, 0, 15)
	f.inverter(now.Add(-30*time.Second), 18, 0)

	events := f.engine.Evaluate(now)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, reading.EventBatteryLow, ev.Kind)
	assert.Contains(t, ev.Message, "18%")
	assert.Contains(t, ev.Message, "20%")
	assert.Equal(t, "2024-03-10", f.settings.Current().LastAlerts.BatteryCheckedDate)

	f.inverter(at(6, 0, 50), 17, 0)
	assert.Empty(t, f.engine.Evaluate(at(6, 1, 0)))
	assert.Len(t, f.out.events, 1)
}

func TestEngine_BatteryCheckPassesAboveThreshold(t *testing.T) {
	f := newFixture(t)
	f.inverter(at(6, 0, 0), 55, 0)

	assert.Empty(t, f.engine.Evaluate(at(6, 0, 5)))
	assert.Equal(t, "2024-03-10", f.settings.Current().LastAlerts.BatteryCheckedDate,
		"a passed check also counts for the day")

	f.inverter(at(6, 0, 40), 10, 0)
	assert.Empty(t, f.engine.Evaluate(at(6, 0, 45)))
}

func TestEngine_BatteryCheckToleranceWindow(t *testing.T) {
	f := newFixture(t)
	f.inverter(at(5, 58, 30), 18, 0)
	assert.Empty(t, f.engine.Evaluate(at(5, 58, 59)), "outside the minute before")

	f.inverter(at(5, 59, 0), 18, 0)
	assert.Len(t, f.engine.Evaluate(at(5, 59, 0)), 1)
}

func TestEngine_BatteryIgnoresStaleSample(t *testing.T) {
	f := newFixture(t)
	f.inverter(at(5, 40, 0), 10, 0)

	assert.Empty(t, f.engine.Evaluate(at(6, 0, 0)))
	assert.Empty(t, f.settings.Current().LastAlerts.BatteryCheckedDate)
}

func TestEngine_PeakDemandHigh(t *testing.T) {
	f := newFixture(t)
	f.bus.Publish(&reading.UtilityDaily{Date: "2024-03-09", PeakDemandKW: 5.4})

	events := f.engine.Evaluate(at(6, 0, 20))
	require.Equal(t, []reading.EventKind{reading.EventPeakDemandHigh}, kinds(events))
	assert.Contains(t, events[0].Message, "5.40 kW")
	assert.Equal(t, "2024-03-10", f.settings.Current().LastAlerts.PeakDemandCheckedDate)

	assert.Empty(t, f.engine.Evaluate(at(6, 0, 50)))
}

func TestEngine_PeakDemandBelowThreshold(t *testing.T) {
	f := newFixture(t)
	f.bus.Publish(&reading.UtilityDaily{Date: "2024-03-09", PeakDemandKW: 4.73})
	assert.Empty(t, f.engine.Evaluate(at(6, 0, 0)))
}

func TestEngine_GridImportCooldown(t *testing.T) {
	f := newFixture(t)

	f.inverter(at(15, 0, 0), 60, -12000)
	require.Len(t, f.engine.Evaluate(at(15, 0, 0)), 1)

	f.inverter(at(15, 5, 0), 60, -15000)
	assert.Empty(t, f.engine.Evaluate(at(15, 5, 0)))

	f.inverter(at(15, 15, 1), 60, -15000)
	events := f.engine.Evaluate(at(15, 15, 1))
	require.Len(t, events, 1)
	assert.Equal(t, reading.EventGridImportHigh, events[0].Kind)

	last, ok := f.settings.Current().LastGridImportAlert()
	require.True(t, ok)
	assert.True(t, last.Equal(at(15, 15, 1)))
}

func TestEngine_GridImportCooldownSubSecond(t *testing.T) {
	f := newFixture(t)
	first := at(15, 0, 0).Add(900 * time.Millisecond)

	f.inverter(first, 60, -12000)
	require.Len(t, f.engine.Evaluate(first), 1)

	last, ok := f.settings.Current().LastGridImportAlert()
	require.True(t, ok)
	assert.True(t, last.Equal(first), "stored time keeps the fraction")

	f.inverter(at(15, 15, 0), 60, -12000)
	assert.Empty(t, f.engine.Evaluate(at(15, 15, 0)), "14m59.1s after the last alert")

	again := at(15, 15, 0).Add(900 * time.Millisecond)
	f.inverter(again, 60, -12000)
	assert.Len(t, f.engine.Evaluate(again), 1)
}

// unsavable keeps reading from a real store but fails every last_alerts write.
type unsavable struct {
	*settings.Store
}

func (unsavable) SetLastAlert(string, string) error {
	return errors.New("read-only file system")
}

func TestEngine_FailedSaveStillFiresOnce(t *testing.T) {
	f := newFixture(t)
	clk, err := clock.New("America/Phoenix")
	require.NoError(t, err)
	f.engine = NewEngine(clk, unsavable{f.settings}, f.bus, f.out, zap.NewNop())

	f.bus.Publish(&reading.UtilityDaily{Date: "2024-03-09", PeakDemandKW: 5.4})
	for _, now := range []time.Time{at(6, 0, 0), at(6, 0, 30), at(6, 1, 0)} {
		f.inverter(now, 18, 0)
		f.engine.Evaluate(now)
	}

	assert.ElementsMatch(t,
		[]reading.EventKind{reading.EventBatteryLow, reading.EventPeakDemandHigh},
		kinds(f.out.events))
	assert.Empty(t, f.settings.Current().LastAlerts.BatteryCheckedDate)

	f.inverter(at(15, 0, 0), 60, -12000)
	require.Len(t, f.engine.Evaluate(at(15, 0, 0)), 1)
	f.inverter(at(15, 0, 30), 60, -12000)
	assert.Empty(t, f.engine.Evaluate(at(15, 0, 30)), "cooldown held in memory")
}

func TestEngine_GridImportWindowBoundary(t *testing.T) {
	f := newFixture(t)

	f.inverter(at(13, 59, 0), 60, -10001)
	assert.Empty(t, f.engine.Evaluate(at(13, 59, 0)))

	f.inverter(at(15, 0, 0), 60, -10001)
	assert.Len(t, f.engine.Evaluate(at(15, 0, 0)), 1)

	f2 := newFixture(t)
	f2.inverter(at(20, 0, 0), 60, -20000)
	assert.Empty(t, f2.engine.Evaluate(at(20, 0, 0)), "end hour is exclusive")
}

func TestEngine_GridExportNeverAlerts(t *testing.T) {
	f := newFixture(t)
	f.inverter(at(16, 0, 0), 90, 12000)
	assert.Empty(t, f.engine.Evaluate(at(16, 0, 0)))

	f.inverter(at(16, 0, 10), 90, -10000)
	assert.Empty(t, f.engine.Evaluate(at(16, 0, 10)), "threshold itself does not alert")
}

func TestEngine_ThresholdsFromSettings(t *testing.T) {
	f := newFixture(t)
	_, err := f.settings.Update(map[string]any{
		"thresholds.battery_low":        30,
		"thresholds.battery_check_hour": 7,
	})
	require.NoError(t, err)

	f.inverter(at(6, 0, 0), 25, 0)
	assert.Empty(t, f.engine.Evaluate(at(6, 0, 0)))

	f.inverter(at(7, 0, 0), 25, 0)
	events := f.engine.Evaluate(at(7, 0, 0))
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Message, "30%")
}

func TestEngine_RunEvaluatesOnInverterUpdate(t *testing.T) {
	f := newFixture(t)
	_, err := f.settings.Update(map[string]any{
		"thresholds.grid_import_start_hour": 0,
		"thresholds.grid_import_end_hour":   24,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	// Run subscribes asynchronously
	require.Eventually(t, func() bool { return f.bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	f.inverter(time.Now(), 80, -11000)

	assert.Eventually(t, func() bool {
		f.out.mu.Lock()
		defer f.out.mu.Unlock()
		return len(f.out.events) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []*reading.Event
	err    error
}

func (s *fakeEventStore) PutEvent(e *reading.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *fakeEventStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type fakeSender struct {
	mu    sync.Mutex
	kinds []reading.EventKind
	err   error
}

func (s *fakeSender) Notify(_ context.Context, e *reading.Event, _ snapshot.Composite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, e.Kind)
	return s.err
}

func (s *fakeSender) sent() []reading.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reading.EventKind(nil), s.kinds...)
}

func runDispatcher(t *testing.T, d *Dispatcher) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestDispatcher_StoresPublishesAndMails(t *testing.T) {
	store := &fakeEventStore{}
	sender := &fakeSender{}
	bus := snapshot.NewBus(8)
	sub := bus.Subscribe()
	defer sub.Close()

	d := NewDispatcher(store, bus, sender, 8, zap.NewNop())
	stop := runDispatcher(t, d)

	d.Emit(&reading.Event{Kind: reading.EventBatteryLow, Severity: reading.SeverityWarning, Message: "low"})
	d.Emit(&reading.Event{Kind: reading.EventError, Severity: reading.SeverityError, Message: "flaky"})
	d.Emit(&reading.Event{Kind: reading.EventError, Severity: reading.SeverityCritical, Message: "gave up"})

	for i := 0; i < 3; i++ {
		select {
		case u := <-sub.C:
			assert.Equal(t, snapshot.AlertUpdate, u.Type)
			assert.False(t, u.Event.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not published")
		}
	}
	assert.Eventually(t, func() bool { return len(sender.sent()) == 2 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 3, store.count())
	assert.Equal(t, []reading.EventKind{reading.EventBatteryLow, reading.EventError}, sender.sent())
}

func TestDispatcher_NotifyFailureBecomesErrorEvent(t *testing.T) {
	store := &fakeEventStore{}
	sender := &fakeSender{err: errors.New("smtp: 535 auth failed")}
	d := NewDispatcher(store, snapshot.NewBus(8), sender, 8, zap.NewNop())
	stop := runDispatcher(t, d)

	d.Emit(&reading.Event{Kind: reading.EventGridImportHigh, Severity: reading.SeverityWarning, Message: "import"})
	assert.Eventually(t, func() bool { return store.count() == 2 }, time.Second, 5*time.Millisecond)
	stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	failure := store.events[1]
	assert.Equal(t, reading.EventError, failure.Kind)
	assert.Contains(t, failure.Message, "535")
	assert.Equal(t, "notify_error", failure.Context["error_kind"])
	assert.Len(t, sender.sent(), 1, "the failure event itself is not mailed")
}

func TestDispatcher_StoreFailureStillPublishes(t *testing.T) {
	store := &fakeEventStore{err: errors.New("database is locked")}
	bus := snapshot.NewBus(8)
	sub := bus.Subscribe()
	defer sub.Close()
	d := NewDispatcher(store, bus, nil, 8, zap.NewNop())
	stop := runDispatcher(t, d)

	d.Emit(&reading.Event{Kind: reading.EventInfo, Severity: reading.SeverityInfo, Message: "hello"})
	select {
	case u := <-sub.C:
		assert.Equal(t, "hello", u.Event.Message)
	case <-time.After(time.Second):
		t.Fatal("event not published")
	}
	stop()
}
