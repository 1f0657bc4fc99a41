package portal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eg4-assistant/internal/reading"
)

const testSystemURL = "https://enlighten.enphaseenergy.com/web/1234567/today"

func newTestEnphase(t *testing.T) (*Enphase, *fakeSession, *fakeClock) {
	t.Helper()
	fs := newFakeSession()
	clk := &fakeClock{t: time.Date(2024, 3, 10, 12, 30, 0, 0, time.FixedZone("MST", -7*3600))}
	a := NewEnphase(Config{DataURL: testSystemURL}, fs.factory(), clk, newTestLogger(), WithSleep(noSleep))
	a.SetCredentials("pv@example.com", "pv-pass")
	require.NoError(t, a.Start(context.Background()))
	return a, fs, clk
}

func TestEnphase_LoginTwoStep(t *testing.T) {
	a, fs, _ := newTestEnphase(t)
	fs.EvalFunc = func(script string) (any, error) {
		switch {
		case strings.Contains(script, "Sign In"):
			return true, nil
		case strings.Contains(script, "#summary"):
			return fs.url == testSystemURL, nil
		}
		return nil, nil
	}

	require.NoError(t, a.Login(context.Background()))

	assert.Equal(t, "pv@example.com", fs.filled["#user_email"])
	assert.Equal(t, "pv-pass", fs.filled["#user_password"])
	assert.Contains(t, fs.calls, "wait #user_email")
	assert.Equal(t, "goto "+DefaultEnphaseLandingURL, fs.calls[1])
	assert.Contains(t, fs.calls, "goto "+testSystemURL)
	assert.True(t, a.State().LoggedIn)
}

func TestEnphase_LoginWithoutSummaryFails(t *testing.T) {
	a, fs, _ := newTestEnphase(t)
	fs.EvalFunc = func(string) (any, error) { return false, nil }

	err := a.Login(context.Background())
	assert.Equal(t, AuthFailed, KindOf(err))
}

func TestEnphase_ConfiguredNeedsSystemURL(t *testing.T) {
	fs := newFakeSession()
	a := NewEnphase(Config{}, fs.factory(), &fakeClock{t: time.Now()}, newTestLogger())
	var pf Preflight = a
	assert.EqualError(t, pf.Configured(), "system url not configured")

	ok, _, _ := newTestEnphase(t)
	assert.NoError(t, ok.Configured())
}

func TestEnphase_SessionMaxAge(t *testing.T) {
	a, fs, clk := newTestEnphase(t)
	fs.EvalFunc = func(string) (any, error) { return true, nil }
	require.NoError(t, a.Login(context.Background()))

	clk.t = clk.t.Add(119 * time.Minute)
	assert.True(t, a.IsLoggedIn(context.Background()))
	clk.t = clk.t.Add(2 * time.Minute)
	assert.False(t, a.IsLoggedIn(context.Background()))
}

func TestEnphase_ExtractReadsDataValues(t *testing.T) {
	a, fs, clk := newTestEnphase(t)
	fs.EvalFunc = func(script string) (any, error) {
		require.Contains(t, script, "data-value")
		return map[string]any{
			"found": true,
			"fields": map[string]any{
				"today":           map[string]string{"label": "12.4 kWh", "value": "12.43"},
				"peak_power":      map[string]string{"label": "5.1 kW", "value": "5.12"},
				"peak_power_time": map[string]string{"label": "11:45 AM", "value": ""},
				"latest_power":    map[string]string{"label": "4.2 kW", "value": "4210"},
				"latest_time":     map[string]string{"label": "12:25 PM", "value": ""},
				"last_7_days":     map[string]string{"label": "180 kWh", "value": "180.2"},
				"month_to_date":   map[string]string{"label": "240 kWh", "value": "240.7"},
				"lifetime":        map[string]string{"label": "41.2 MWh", "value": "41.23"},
				"ac_voltage":      nil,
			},
		}, nil
	}

	r, err := a.Extract(context.Background())
	require.NoError(t, err)
	s := r.(*reading.SolarSummary)
	assert.True(t, s.Valid)
	assert.Equal(t, clk.t, s.Timestamp)
	assert.Equal(t, 12.43, s.TodayKWh)
	assert.Equal(t, 5.12, s.PeakPowerKW)
	assert.Equal(t, "11:45 AM", s.PeakPowerTime)
	assert.Equal(t, 4210.0, s.LatestPowerW)
	assert.Equal(t, 41.23, s.LifetimeMWh)
	assert.Equal(t, 0.0, s.ACVoltageV)
}

func TestEnphase_ExtractWithoutSummary(t *testing.T) {
	a, fs, _ := newTestEnphase(t)
	fs.EvalFunc = func(string) (any, error) {
		return map[string]any{"found": false, "fields": map[string]any{}}, nil
	}

	_, err := a.Extract(context.Background())
	assert.Equal(t, ExtractionInvalid, KindOf(err))
}

func TestParseNumber(t *testing.T) {
	tests := map[string]float64{
		"":          0,
		"--":        0,
		" 64% ":     64,
		"1,250 W":   1250,
		"-3,200W":   -3200,
		"53.1 V":    53.1,
		"4.73 kW":   4.73,
		"n/a":       0,
		"12.43 kWh": 12.43,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseNumber(in), in)
	}
	assert.Equal(t, 2, parseInt("1.6"))
	assert.True(t, isPlaceholder("--"))
	assert.True(t, isPlaceholder("--%"))
	assert.False(t, isPlaceholder("0%"))
}
