package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eg4-assistant/internal/storage"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.API.Port)
	assert.Equal(t, 30*time.Second, cfg.API.RefreshInterval)
	assert.Equal(t, 120*time.Second, cfg.Browser.Timeout)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 60*time.Second, cfg.Portals.EG4.Interval)
	assert.True(t, cfg.Portals.SRP.Enabled)
	assert.True(t, cfg.Portals.EG4.Enabled)
	assert.False(t, cfg.Portals.Enphase.Enabled, "enphase needs a data_url first")
	assert.Equal(t, 10, cfg.Logging.MaxSizeMB)
	assert.Equal(t, 3, cfg.Logging.MaxBackups)
	assert.Equal(t, 90, cfg.Retention.InverterDays)
	assert.Equal(t, storage.DefaultRetention(), cfg.Retention.Policy())
	assert.False(t, cfg.MQTT.Enabled)
	assert.False(t, cfg.Mail.MailConfigured())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  port: 8080
portals:
  enphase:
    enabled: true
    data_url: https://enlighten.enphaseenergy.com/web/42/today
mail:
  provider: sendgrid
  from: alerts@example.com
`), 0o644))
	t.Setenv("EG4_MAIL_SENDGRID_API_KEY", "SG.test")
	t.Setenv("EG4_PORTALS_EG4_INTERVAL", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.API.Port)
	assert.True(t, cfg.Portals.Enphase.Enabled)
	assert.Equal(t, "https://enlighten.enphaseenergy.com/web/42/today", cfg.Portals.Enphase.DataURL)
	assert.Equal(t, 2*time.Minute, cfg.Portals.EG4.Interval)
	assert.Equal(t, "SG.test", cfg.Mail.SendGridAPIKey)
	assert.True(t, cfg.Mail.MailConfigured())
}
