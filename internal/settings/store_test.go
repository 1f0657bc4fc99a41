package settings

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eg4-assistant/internal/reading"
)

func newTestLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func readFile(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestOpen_MissingFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.json")

	s, err := Open(path, newTestLogger())
	require.NoError(t, err)

	cur := s.Current()
	assert.False(t, cur.EmailEnabled)
	assert.Equal(t, "America/Phoenix", cur.Timezone)
	assert.Equal(t, 20, cur.Thresholds.BatteryLow)
	assert.Equal(t, 6, cur.Thresholds.BatteryCheckHour)
	assert.Equal(t, 5.0, cur.Thresholds.PeakDemand)
	assert.Equal(t, 10000, cur.Thresholds.GridImport)
	assert.Equal(t, 14, cur.Thresholds.GridImportStartHour)
	assert.Equal(t, 20, cur.Thresholds.GridImportEndHour)
	assert.Equal(t, 15*time.Minute, cur.GridImportCooldown())
	assert.Equal(t, 6, cur.Schedule.UtilityHour)

	onDisk := readFile(t, path)
	assert.Contains(t, onDisk, "thresholds")
	assert.Contains(t, onDisk, "last_alerts")
}

func TestOpen_FillsMissingKeysAndKeepsUnknown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"email_to": "a@example.com, b@example.com",
		"thresholds": {"battery_low": 35},
		"dashboard": {"theme": "dark"}
	}`), 0o644))

	s, err := Open(path, newTestLogger())
	require.NoError(t, err)

	cur := s.Current()
	assert.Equal(t, 35, cur.Thresholds.BatteryLow)
	assert.Equal(t, 6, cur.Thresholds.BatteryCheckHour)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cur.Recipients())

	raw := s.Raw()
	dash, ok := raw["dashboard"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "dark", dash["theme"])
}

func TestOpen_RejectsBadTimezone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"timezone": "Nowhere/Land"}`), 0o644))

	_, err := Open(path, newTestLogger())
	assert.Error(t, err)
}

func TestUpdate_PartialMergePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"custom_key": 7}`), 0o644))
	s, err := Open(path, newTestLogger())
	require.NoError(t, err)

	var seen []Settings
	s.OnChange(func(cur Settings) { seen = append(seen, cur) })

	cur, err := s.Update(map[string]any{
		"credentials": map[string]any{"inv_username": "x", "inv_password": "y"},
		"thresholds.battery_low": float64(25),
	})
	require.NoError(t, err)
	assert.Equal(t, "x", cur.Credentials.InvUsername)
	assert.Equal(t, "y", cur.Credentials.InvPassword)
	assert.Equal(t, 25, cur.Thresholds.BatteryLow)
	assert.Equal(t, 5.0, cur.Thresholds.PeakDemand)
	require.Len(t, seen, 1)

	onDisk := readFile(t, path)
	assert.EqualValues(t, 7, onDisk["custom_key"])
	creds := onDisk["credentials"].(map[string]any)
	assert.Equal(t, "x", creds["inv_username"])

	reopened, err := Open(path, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, cur, reopened.Current())

	_, err = os.Stat(path + ".tmp.json")
	assert.True(t, os.IsNotExist(err))
}

func TestUpdate_InvalidLeavesStateUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.json")
	s, err := Open(path, newTestLogger())
	require.NoError(t, err)
	before := readFile(t, path)

	_, err = s.Update(map[string]any{"thresholds": map[string]any{"battery_low": 140}})
	assert.Error(t, err)
	_, err = s.Update(map[string]any{"timezone": "Bad/Zone"})
	assert.Error(t, err)
	_, err = s.Update(map[string]any{"schedule": map[string]any{"utility_hour": 24}})
	assert.Error(t, err)

	assert.Equal(t, 20, s.Current().Thresholds.BatteryLow)
	assert.Equal(t, before, readFile(t, path))
}

func TestSetLastAlert(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "monitor.json"), newTestLogger())
	require.NoError(t, err)

	require.NoError(t, s.SetLastAlert("battery_checked_date", "2024-03-10"))
	ts := time.Date(2024, 3, 10, 15, 0, 0, 0, time.FixedZone("MST", -7*3600))
	require.NoError(t, s.SetLastAlert("grid_import_last_alert", ts.Format(time.RFC3339)))

	cur := s.Current()
	assert.Equal(t, "2024-03-10", cur.LastAlerts.BatteryCheckedDate)
	last, ok := cur.LastGridImportAlert()
	require.True(t, ok)
	assert.True(t, ts.Equal(last))
}

func TestCredentials_EnvFallback(t *testing.T) {
	t.Setenv("INV_USERNAME", "env-user")
	t.Setenv("INV_PASSWORD", "env-pass")
	t.Setenv("PV_PASSWORD", "pv-env")

	c := Credentials{InvPassword: "file-pass", PVUsername: "pv-user"}

	u, p := c.For(reading.PortalEG4)
	assert.Equal(t, "env-user", u)
	assert.Equal(t, "file-pass", p, "file values win over the environment")

	u, p = c.For(reading.PortalEnphase)
	assert.Equal(t, "pv-user", u)
	assert.Equal(t, "pv-env", p)
}

func TestReload_DoesNotUndoConcurrentUpdates(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "monitor.json"), zap.NewNop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 60; i++ {
			_, err := s.Update(map[string]any{"thresholds.battery_low": i})
			assert.NoError(t, err)
		}
	}()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			assert.NoError(t, s.Reload())
		}
	}
	require.NoError(t, s.Reload())

	assert.Equal(t, 60, s.Current().Thresholds.BatteryLow)
	assert.EqualValues(t, 60, readFile(t, s.Path())["thresholds"].(map[string]any)["battery_low"])
}

func TestWatch_PicksUpExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.json")
	s, err := Open(path, newTestLogger())
	require.NoError(t, err)

	changed := make(chan Settings, 4)
	s.OnChange(func(cur Settings) { changed <- cur })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"thresholds": {"battery_low": 42}}`), 0o644))

	select {
	case cur := <-changed:
		assert.Equal(t, 42, cur.Thresholds.BatteryLow)
	case <-time.After(3 * time.Second):
		t.Fatal("settings change not observed")
	}
}
