package storage

import (
	"time"

	"gorm.io/gorm"
)

type InverterReading struct {
	gorm.Model
	Timestamp time.Time `gorm:"index" json:"timestamp"`

	// Battery
	BatterySOC     int     `json:"battery_soc"`
	BatteryPower   int     `json:"battery_power_w"`
	BatteryVoltage float64 `json:"battery_voltage_v"`

	// PV
	PVTotalPower int     `json:"pv_total_power_w"`
	PV1Power     int     `json:"pv1_power_w"`
	PV1Voltage   float64 `json:"pv1_voltage_v"`
	PV2Power     int     `json:"pv2_power_w"`
	PV2Voltage   float64 `json:"pv2_voltage_v"`
	PV3Power     int     `json:"pv3_power_w"`
	PV3Voltage   float64 `json:"pv3_voltage_v"`

	// Grid
	GridPower   int     `json:"grid_power_w"`
	GridVoltage float64 `json:"grid_voltage_v"`

	LoadPower int `json:"load_power_w"`
}

// UtilityRecord is one (date, chart kind) row of the daily utility data.
// The demand row carries the peak.
type UtilityRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Date         string    `gorm:"size:10;uniqueIndex:idx_utility_date_kind" json:"date"`
	ChartKind    string    `gorm:"size:16;uniqueIndex:idx_utility_date_kind" json:"chart_kind"`
	PeakDemandKW float64   `json:"peak_demand_kw"`
	CSVPath      string    `json:"csv_path"`
	FetchedAt    time.Time `json:"fetched_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type EventRecord struct {
	gorm.Model
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Kind      string    `gorm:"size:32;index" json:"kind"`
	Severity  string    `gorm:"size:16" json:"severity"`
	Message   string    `json:"message"`
	Portal    string    `gorm:"size:16" json:"portal"`
	Context   string    `json:"context"`
}

type SolarReading struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Timestamp      time.Time `gorm:"index" json:"timestamp"`
	TodayKWh       float64   `json:"today_kwh"`
	PeakPowerKW    float64   `json:"peak_power_kw"`
	PeakPowerTime  string    `json:"peak_power_time"`
	LatestPowerW   float64   `json:"latest_power_w"`
	LatestTime     string    `json:"latest_time"`
	Last7DaysKWh   float64   `json:"last_7d_kwh"`
	MonthToDateKWh float64   `json:"month_to_date_kwh"`
	LifetimeMWh    float64   `json:"lifetime_mwh"`
	ACVoltageV     float64   `json:"ac_voltage_v"`
}

type Stats struct {
	InverterReadings int64      `json:"inverter_readings"`
	UtilityRecords   int64      `json:"utility_records"`
	Events           int64      `json:"events"`
	SolarReadings    int64      `json:"solar_readings"`
	SizeBytes        int64      `json:"size_bytes"`
	Oldest           *time.Time `json:"oldest,omitempty"`
	Newest           *time.Time `json:"newest,omitempty"`
}

// RetentionPolicy is the maximum age kept per record class.
type RetentionPolicy struct {
	InverterSamples time.Duration `mapstructure:"inverter_samples"`
	InfoEvents      time.Duration `mapstructure:"info_events"`
	ErrorEvents     time.Duration `mapstructure:"error_events"`
	AlertEvents     time.Duration `mapstructure:"alert_events"`
}

func DefaultRetention() RetentionPolicy {
	const day = 24 * time.Hour
	return RetentionPolicy{
		InverterSamples: 90 * day,
		InfoEvents:      30 * day,
		ErrorEvents:     180 * day,
		AlertEvents:     365 * day,
	}
}

type SweepResult struct {
	InverterSamples int64 `json:"inverter_samples"`
	SolarReadings   int64 `json:"solar_readings"`
	InfoEvents      int64 `json:"info_events"`
	ErrorEvents     int64 `json:"error_events"`
	AlertEvents     int64 `json:"alert_events"`
}
