package settings

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"eg4-assistant/internal/reading"
)

// Settings is the monitor configuration edited through the dashboard.
type Settings struct {
	EmailEnabled bool        `mapstructure:"email_enabled" json:"email_enabled"`
	EmailTo      string      `mapstructure:"email_to" json:"email_to"`
	Timezone     string      `mapstructure:"timezone" json:"timezone"`
	Credentials  Credentials `mapstructure:"credentials" json:"credentials"`
	Thresholds   Thresholds  `mapstructure:"thresholds" json:"thresholds"`
	Schedule     Schedule    `mapstructure:"schedule" json:"schedule"`
	LastAlerts   LastAlerts  `mapstructure:"last_alerts" json:"last_alerts"`
}

type Credentials struct {
	InvUsername  string `mapstructure:"inv_username" json:"inv_username"`
	InvPassword  string `mapstructure:"inv_password" json:"inv_password"`
	UtilUsername string `mapstructure:"util_username" json:"util_username"`
	UtilPassword string `mapstructure:"util_password" json:"util_password"`
	PVUsername   string `mapstructure:"pv_username" json:"pv_username"`
	PVPassword   string `mapstructure:"pv_password" json:"pv_password"`
}

type Thresholds struct {
	BatteryLow                int     `mapstructure:"battery_low" json:"battery_low"`
	BatteryCheckHour          int     `mapstructure:"battery_check_hour" json:"battery_check_hour"`
	BatteryCheckMinute        int     `mapstructure:"battery_check_minute" json:"battery_check_minute"`
	PeakDemand                float64 `mapstructure:"peak_demand" json:"peak_demand"`
	PeakDemandCheckHour       int     `mapstructure:"peak_demand_check_hour" json:"peak_demand_check_hour"`
	PeakDemandCheckMinute     int     `mapstructure:"peak_demand_check_minute" json:"peak_demand_check_minute"`
	GridImport                int     `mapstructure:"grid_import" json:"grid_import"`
	GridImportStartHour       int     `mapstructure:"grid_import_start_hour" json:"grid_import_start_hour"`
	GridImportEndHour         int     `mapstructure:"grid_import_end_hour" json:"grid_import_end_hour"`
	GridImportCooldownMinutes int     `mapstructure:"grid_import_cooldown_minutes" json:"grid_import_cooldown_minutes"`
}

// Schedule holds the daily utility fetch time.
type Schedule struct {
	UtilityHour   int `mapstructure:"utility_hour" json:"utility_hour"`
	UtilityMinute int `mapstructure:"utility_minute" json:"utility_minute"`
}

// LastAlerts is dedupe state owned by the alert engine.
type LastAlerts struct {
	BatteryCheckedDate    string `mapstructure:"battery_checked_date" json:"battery_checked_date"`
	PeakDemandCheckedDate string `mapstructure:"peak_demand_checked_date" json:"peak_demand_checked_date"`
	GridImportLastAlert   string `mapstructure:"grid_import_last_alert" json:"grid_import_last_alert"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("email_enabled", false)
	v.SetDefault("email_to", "")
	v.SetDefault("timezone", "America/Phoenix")

	v.SetDefault("credentials.inv_username", "")
	v.SetDefault("credentials.inv_password", "")
	v.SetDefault("credentials.util_username", "")
	v.SetDefault("credentials.util_password", "")
	v.SetDefault("credentials.pv_username", "")
	v.SetDefault("credentials.pv_password", "")

	v.SetDefault("thresholds.battery_low", 20)
	v.SetDefault("thresholds.battery_check_hour", 6)
	v.SetDefault("thresholds.battery_check_minute", 0)
	v.SetDefault("thresholds.peak_demand", 5.0)
	v.SetDefault("thresholds.peak_demand_check_hour", 6)
	v.SetDefault("thresholds.peak_demand_check_minute", 0)
	v.SetDefault("thresholds.grid_import", 10000)
	v.SetDefault("thresholds.grid_import_start_hour", 14)
	v.SetDefault("thresholds.grid_import_end_hour", 20)
	v.SetDefault("thresholds.grid_import_cooldown_minutes", 15)

	v.SetDefault("schedule.utility_hour", 6)
	v.SetDefault("schedule.utility_minute", 0)

	v.SetDefault("last_alerts.battery_checked_date", "")
	v.SetDefault("last_alerts.peak_demand_checked_date", "")
	v.SetDefault("last_alerts.grid_import_last_alert", "")
}

func (s Settings) Validate() error {
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", s.Timezone, err)
	}
	t := s.Thresholds
	if t.BatteryLow < 0 || t.BatteryLow > 100 {
		return fmt.Errorf("thresholds.battery_low must be 0-100, got %d", t.BatteryLow)
	}
	if t.PeakDemand < 0 {
		return fmt.Errorf("thresholds.peak_demand must be >= 0, got %v", t.PeakDemand)
	}
	if t.GridImport < 0 {
		return fmt.Errorf("thresholds.grid_import must be >= 0, got %d", t.GridImport)
	}
	if t.GridImportCooldownMinutes < 0 {
		return fmt.Errorf("thresholds.grid_import_cooldown_minutes must be >= 0")
	}
	clocks := []struct {
		name         string
		hour, minute int
	}{
		{"thresholds.battery_check", t.BatteryCheckHour, t.BatteryCheckMinute},
		{"thresholds.peak_demand_check", t.PeakDemandCheckHour, t.PeakDemandCheckMinute},
		{"schedule.utility", s.Schedule.UtilityHour, s.Schedule.UtilityMinute},
	}
	for _, c := range clocks {
		if c.hour < 0 || c.hour > 23 || c.minute < 0 || c.minute > 59 {
			return fmt.Errorf("%s time %02d:%02d is out of range", c.name, c.hour, c.minute)
		}
	}
	if t.GridImportStartHour < 0 || t.GridImportStartHour > 23 ||
		t.GridImportEndHour < 0 || t.GridImportEndHour > 24 {
		return fmt.Errorf("grid import window [%d, %d) is out of range", t.GridImportStartHour, t.GridImportEndHour)
	}
	return nil
}

// Recipients splits email_to on commas.
func (s Settings) Recipients() []string {
	var out []string
	for _, addr := range strings.Split(s.EmailTo, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// GridImportCooldown returns the minimum gap between grid import alerts.
func (s Settings) GridImportCooldown() time.Duration {
	return time.Duration(s.Thresholds.GridImportCooldownMinutes) * time.Minute
}

// LastGridImportAlert parses the persisted cooldown timestamp.
func (s Settings) LastGridImportAlert() (time.Time, bool) {
	if s.LastAlerts.GridImportLastAlert == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s.LastAlerts.GridImportLastAlert)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

var envPrefix = map[reading.Portal]string{
	reading.PortalEG4:     "INV",
	reading.PortalSRP:     "UTIL",
	reading.PortalEnphase: "PV",
}

// For returns the credentials for a portal. Empty values fall back to
// <PREFIX>_USERNAME and <PREFIX>_PASSWORD from the environment.
func (c Credentials) For(p reading.Portal) (username, password string) {
	switch p {
	case reading.PortalEG4:
		username, password = c.InvUsername, c.InvPassword
	case reading.PortalSRP:
		username, password = c.UtilUsername, c.UtilPassword
	case reading.PortalEnphase:
		username, password = c.PVUsername, c.PVPassword
	}
	prefix := envPrefix[p]
	if username == "" {
		username = os.Getenv(prefix + "_USERNAME")
	}
	if password == "" {
		password = os.Getenv(prefix + "_PASSWORD")
	}
	return username, password
}
