package portal

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eg4-assistant/internal/browser"
	"eg4-assistant/internal/reading"
)

func newTestEG4(t *testing.T) (*EG4, *fakeSession, *fakeClock) {
	t.Helper()
	fs := newFakeSession()
	clk := &fakeClock{t: time.Date(2024, 3, 10, 12, 0, 0, 0, time.FixedZone("MST", -7*3600))}
	a := NewEG4(Config{}, fs.factory(), clk, newTestLogger(), WithSleep(noSleep))
	a.SetCredentials("owner@example.com", "hunter2")
	require.NoError(t, a.Start(context.Background()))
	return a, fs, clk
}

func monitorFrame() map[string]any {
	return map[string]any{
		"soc":              "64%",
		"batteryPower":     "1,250 W",
		"batteryVoltage":   "53.1 V",
		"batteryDirection": "negative",
		"strings": []map[string]string{
			{"power": "1830W", "voltage": "310.2V"},
			{"power": "1790W", "voltage": "305.9V"},
			{"power": "12W", "voltage": "41.0V"},
			{"power": "999W", "voltage": "300V"},
		},
		"gridPower":     "3200 W",
		"gridVoltage":   "241.0 V",
		"gridDirection": "negative",
		"loadPower":     "4,881 W",
	}
}

func TestEG4_LoginSuccess(t *testing.T) {
	a, fs, clk := newTestEG4(t)
	fs.PressFunc = func(selector, key string) error {
		fs.url = DefaultEG4MonitorURL
		return nil
	}

	require.NoError(t, a.Login(context.Background()))

	assert.Equal(t, "owner@example.com", fs.filled["#account"])
	assert.Equal(t, "hunter2", fs.filled["#password"])
	st := a.State()
	assert.True(t, st.LoggedIn)
	assert.Equal(t, clk.t, st.SessionStartedAt)
	assert.True(t, a.IsLoggedIn(context.Background()))
}

func TestEG4_LoginStaysOnLoginPage(t *testing.T) {
	a, _, _ := newTestEG4(t)

	err := a.Login(context.Background())
	require.Error(t, err)
	assert.Equal(t, AuthFailed, KindOf(err))
	assert.False(t, a.State().LoggedIn)
	assert.NotEmpty(t, a.State().LastError)
}

func TestEG4_LoginWithoutCredentials(t *testing.T) {
	a, fs, _ := newTestEG4(t)
	a.SetCredentials("", "")

	err := a.Login(context.Background())
	assert.Equal(t, AuthFailed, KindOf(err))
	assert.NotContains(t, fs.calls, "goto "+DefaultEG4LoginURL)
}

func TestEG4_IsLoggedIn(t *testing.T) {
	a, fs, clk := newTestEG4(t)
	fs.PressFunc = func(string, string) error { fs.url = DefaultEG4MonitorURL; return nil }
	require.NoError(t, a.Login(context.Background()))

	fs.url = "https://monitor.eg4electronics.com/WManage/web/session-expired"
	assert.False(t, a.IsLoggedIn(context.Background()))

	require.NoError(t, a.Login(context.Background()))
	clk.t = clk.t.Add(61 * time.Minute)
	assert.False(t, a.IsLoggedIn(context.Background()), "session older than max age")
}

func TestEG4_SetCredentialsInvalidatesSession(t *testing.T) {
	a, fs, _ := newTestEG4(t)
	fs.PressFunc = func(string, string) error { fs.url = DefaultEG4MonitorURL; return nil }
	require.NoError(t, a.Login(context.Background()))

	a.SetCredentials("owner@example.com", "hunter2")
	assert.True(t, a.State().LoggedIn, "same credentials keep the session")

	a.SetCredentials("x", "y")
	assert.False(t, a.State().LoggedIn)
}

func TestEG4_ExtractWaitsForSOC(t *testing.T) {
	a, fs, clk := newTestEG4(t)
	evals := 0
	fs.EvalFunc = func(script string) (any, error) {
		require.True(t, strings.Contains(script, "socText"))
		evals++
		if evals < 3 {
			return map[string]any{"soc": "--"}, nil
		}
		return monitorFrame(), nil
	}

	r, err := a.Extract(context.Background())
	require.NoError(t, err)
	s := r.(*reading.InverterSample)

	assert.Equal(t, 3, evals)
	assert.Contains(t, fs.calls, "goto "+DefaultEG4MonitorURL)
	assert.Equal(t, clk.t, s.Timestamp)
	assert.True(t, s.Valid)
	assert.Equal(t, 64, s.Battery.SOC)
	assert.Equal(t, -1250, s.Battery.Power, "discharging is negative")
	assert.InDelta(t, 53.1, s.Battery.Voltage, 1e-9)
	assert.Equal(t, 1830+1790+12, s.PV.TotalPower, "extra strings are ignored")
	assert.Equal(t, 12, s.PV.Strings[2].Power)
	assert.Equal(t, -3200, s.Grid.Power, "importing is negative")
	assert.Equal(t, 4881, s.Load.Power)

	// already on the monitor page: reload instead of navigating
	_, err = a.Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "reload", fs.calls[len(fs.calls)-2])
}

func TestEG4_ExtractAllZeroFrameIsInvalid(t *testing.T) {
	a, fs, _ := newTestEG4(t)
	fs.EvalFunc = func(string) (any, error) {
		return map[string]any{
			"soc": "0", "batteryPower": "0", "batteryVoltage": "0",
			"strings":   []map[string]string{{"power": "0", "voltage": "0"}, {"power": "0", "voltage": "0"}},
			"gridPower": "0", "gridVoltage": "0", "loadPower": "0",
		}, nil
	}

	r, err := a.Extract(context.Background())
	require.NoError(t, err)
	assert.False(t, r.IsValid())
	assert.Equal(t, 0, r.(*reading.InverterSample).PV.TotalPower)
}

func TestEG4_ExtractOnBrowserCrash(t *testing.T) {
	a, fs, _ := newTestEG4(t)
	fs.EvalFunc = func(string) (any, error) {
		return nil, fmt.Errorf("%w: Target page, context or browser has been closed", browser.ErrClosed)
	}

	r, err := a.Extract(context.Background())
	assert.Nil(t, r)
	assert.Equal(t, BrowserDead, KindOf(err))
	assert.False(t, a.State().LoggedIn)
}

func TestEG4_ExtractRedirectedToLogin(t *testing.T) {
	a, fs, _ := newTestEG4(t)
	fs.GotoFunc = func(url string, wait browser.WaitMode) error {
		assert.Equal(t, browser.WaitNetworkIdle, wait)
		fs.url = DefaultEG4LoginURL
		return nil
	}

	_, err := a.Extract(context.Background())
	assert.Equal(t, SessionExpired, KindOf(err))
}

func TestEG4_ExtractNavigationTimeout(t *testing.T) {
	a, fs, _ := newTestEG4(t)
	fs.GotoFunc = func(string, browser.WaitMode) error {
		return fmt.Errorf("%w: navigate", browser.ErrTimeout)
	}

	_, err := a.Extract(context.Background())
	assert.Equal(t, NavigationTimeout, KindOf(err))
}

func TestEG4_ExtractWithoutSession(t *testing.T) {
	a, _, _ := newTestEG4(t)
	require.NoError(t, a.Stop())

	_, err := a.Extract(context.Background())
	assert.Equal(t, BrowserDead, KindOf(err))
}
