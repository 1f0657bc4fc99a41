package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"eg4-assistant/internal/storage"
)

type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Settings  SettingsConfig  `mapstructure:"settings"`
	Downloads DownloadsConfig `mapstructure:"downloads"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Portals   PortalsConfig   `mapstructure:"portals"`
	Mail      MailConfig      `mapstructure:"mail"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Retention RetentionConfig `mapstructure:"retention"`
}

type APIConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
	// RefreshInterval is the minimum gap between manual refreshes.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type SettingsConfig struct {
	Path string `mapstructure:"path"`
}

type DownloadsConfig struct {
	Dir string `mapstructure:"dir"`
}

type LoggingConfig struct {
	File        string `mapstructure:"file"`
	Level       string `mapstructure:"level"`
	BufferLines int    `mapstructure:"buffer_lines"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
}

type BrowserConfig struct {
	ExecPath  string        `mapstructure:"exec_path"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	Headless  bool          `mapstructure:"headless"`
}

type PortalConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LoginURL      string        `mapstructure:"login_url"`
	DataURL       string        `mapstructure:"data_url"`
	Interval      time.Duration `mapstructure:"interval"`
	MaxSessionAge time.Duration `mapstructure:"max_session_age"`
}

type PortalsConfig struct {
	EG4     PortalConfig `mapstructure:"eg4"`
	SRP     PortalConfig `mapstructure:"srp"`
	Enphase PortalConfig `mapstructure:"enphase"`
}

type MailConfig struct {
	Provider       string `mapstructure:"provider"`
	From           string `mapstructure:"from"`
	FromName       string `mapstructure:"from_name"`
	SystemName     string `mapstructure:"system_name"`
	SMTPHost       string `mapstructure:"smtp_host"`
	SMTPPort       int    `mapstructure:"smtp_port"`
	SMTPUsername   string `mapstructure:"smtp_username"`
	SMTPPassword   string `mapstructure:"smtp_password"`
	SMTPTLS        bool   `mapstructure:"smtp_tls"`
	SendGridAPIKey string `mapstructure:"sendgrid_api_key"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

type RetentionConfig struct {
	InverterDays   int `mapstructure:"inverter_days"`
	InfoEventDays  int `mapstructure:"info_event_days"`
	ErrorEventDays int `mapstructure:"error_event_days"`
	AlertEventDays int `mapstructure:"alert_event_days"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/eg4-assistant")
	}

	v.SetEnvPrefix("EG4")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("api.port", 5000)
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.refresh_interval", "30s")
	v.SetDefault("database.path", "./data/eg4_assistant.db")
	v.SetDefault("settings.path", "./data/config.json")
	v.SetDefault("downloads.dir", "./downloads")
	v.SetDefault("logging.file", "./data/logs/eg4-assistant.log")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.buffer_lines", 2000)
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.timeout", "120s")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.headless", true)
	for _, p := range []string{"eg4", "srp", "enphase"} {
		// Enphase needs a per-system data_url, so it is opt-in.
		v.SetDefault("portals."+p+".enabled", p != "enphase")
		v.SetDefault("portals."+p+".login_url", "")
		v.SetDefault("portals."+p+".data_url", "")
		v.SetDefault("portals."+p+".interval", "60s")
		v.SetDefault("portals."+p+".max_session_age", "0s")
	}
	v.SetDefault("mail.provider", "smtp")
	v.SetDefault("mail.from", "")
	v.SetDefault("mail.from_name", "EG4 Assistant")
	v.SetDefault("mail.system_name", "EG4 Assistant")
	v.SetDefault("mail.smtp_host", "")
	v.SetDefault("mail.smtp_port", 587)
	v.SetDefault("mail.smtp_username", "")
	v.SetDefault("mail.smtp_password", "")
	v.SetDefault("mail.smtp_tls", false)
	v.SetDefault("mail.sendgrid_api_key", "")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic_prefix", "eg4")
	v.SetDefault("mqtt.client_id", "eg4-assistant")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("retention.inverter_days", 90)
	v.SetDefault("retention.info_event_days", 30)
	v.SetDefault("retention.error_event_days", 180)
	v.SetDefault("retention.alert_event_days", 365)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Policy converts the configured day counts into a storage retention policy.
func (r RetentionConfig) Policy() storage.RetentionPolicy {
	const day = 24 * time.Hour
	return storage.RetentionPolicy{
		InverterSamples: time.Duration(r.InverterDays) * day,
		InfoEvents:      time.Duration(r.InfoEventDays) * day,
		ErrorEvents:     time.Duration(r.ErrorEventDays) * day,
		AlertEvents:     time.Duration(r.AlertEventDays) * day,
	}
}

// MailConfigured reports whether enough is set to build a mailer.
func (m MailConfig) MailConfigured() bool {
	if m.Provider == "sendgrid" {
		return m.SendGridAPIKey != "" && m.From != ""
	}
	return m.SMTPHost != "" && m.From != ""
}
