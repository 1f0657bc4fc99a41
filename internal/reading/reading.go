package reading

import (
	"math"
	"time"
)

// Portal identifies one of the scraped dashboards.
type Portal string

const (
	PortalEG4     Portal = "eg4"
	PortalSRP     Portal = "srp"
	PortalEnphase Portal = "enphase"
)

// Portals lists every portal in display order.
var Portals = []Portal{PortalEG4, PortalSRP, PortalEnphase}

// Reading is a validated observation from one portal.
type Reading interface {
	Source() Portal
	IsValid() bool
	ObservedAt() time.Time
}

// PVStringCount is the number of PV inputs tracked per inverter. Portals
// that render fewer strings are zero-filled; extra strings are ignored.
const PVStringCount = 3

type Battery struct {
	SOC     int     `json:"soc"`
	Power   int     `json:"power"`
	Voltage float64 `json:"voltage"`
}

type PVString struct {
	Power   int     `json:"power"`
	Voltage float64 `json:"voltage"`
}

type PV struct {
	TotalPower int                     `json:"total_power"`
	Strings    [PVStringCount]PVString `json:"strings"`
}

type Grid struct {
	Power   int     `json:"power"`
	Voltage float64 `json:"voltage"`
}

type Load struct {
	Power int `json:"power"`
}

// InverterSample is one frame from the EG4 monitor page.
// Battery power is positive while charging; grid power is positive while
// exporting and negative while importing.
type InverterSample struct {
	ID        uint      `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Battery   Battery   `json:"battery"`
	PV        PV        `json:"pv"`
	Grid      Grid      `json:"grid"`
	Load      Load      `json:"load"`
	Valid     bool      `json:"valid"`
}

func (s *InverterSample) Source() Portal        { return PortalEG4 }
func (s *InverterSample) IsValid() bool         { return s != nil && s.Valid }
func (s *InverterSample) ObservedAt() time.Time { return s.Timestamp }

// Finalize recomputes the PV total from the string powers and sets Valid.
func (s *InverterSample) Finalize() {
	total := 0
	for _, str := range s.PV.Strings {
		total += str.Power
	}
	s.PV.TotalPower = total
	s.Valid = !s.looksEmpty()
}

// looksEmpty reports the frame the portal renders before data arrives:
// every power near zero, no SOC and no battery voltage.
func (s *InverterSample) looksEmpty() bool {
	powers := []int{s.Battery.Power, s.PV.TotalPower, s.Grid.Power, s.Load.Power}
	for _, str := range s.PV.Strings {
		powers = append(powers, str.Power)
	}
	for _, p := range powers {
		if p > 1 || p < -1 {
			return false
		}
	}
	return s.Battery.SOC == 0 && s.Battery.Voltage < 10
}

// Importing reports whether the house is drawing from the grid.
func (s *InverterSample) Importing() bool {
	return s.Grid.Power < 0
}

// ImportWatts is the magnitude of grid import, zero while exporting.
func (s *InverterSample) ImportWatts() int {
	if !s.Importing() {
		return 0
	}
	return int(math.Abs(float64(s.Grid.Power)))
}

// ChartKind names one of the SRP usage charts.
type ChartKind string

const (
	ChartNet        ChartKind = "net"
	ChartGeneration ChartKind = "generation"
	ChartUsage      ChartKind = "usage"
	ChartDemand     ChartKind = "demand"
)

// ChartKinds is the download order used by the SRP adapter.
var ChartKinds = []ChartKind{ChartNet, ChartGeneration, ChartUsage, ChartDemand}

// ParseChartKind validates a chart kind coming from a request.
func ParseChartKind(s string) (ChartKind, bool) {
	for _, k := range ChartKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// UtilityDaily is the once-a-day SRP record.
type UtilityDaily struct {
	Date         string               `json:"date"`
	PeakDemandKW float64              `json:"peak_demand_kw"`
	CSVPaths     map[ChartKind]string `json:"csv_paths"`
	FetchedAt    time.Time            `json:"fetched_at"`
}

func (u *UtilityDaily) Source() Portal        { return PortalSRP }
func (u *UtilityDaily) IsValid() bool         { return u != nil && u.Date != "" && u.PeakDemandKW >= 0 }
func (u *UtilityDaily) ObservedAt() time.Time { return u.FetchedAt }

// CSVCount is the number of chart files known for the day.
func (u *UtilityDaily) CSVCount() int {
	if u == nil {
		return 0
	}
	return len(u.CSVPaths)
}

// Clone returns a deep copy.
func (u *UtilityDaily) Clone() *UtilityDaily {
	if u == nil {
		return nil
	}
	c := *u
	c.CSVPaths = make(map[ChartKind]string, len(u.CSVPaths))
	for k, v := range u.CSVPaths {
		c.CSVPaths[k] = v
	}
	return &c
}

// SolarSummary is the Enphase system summary.
type SolarSummary struct {
	Timestamp      time.Time `json:"timestamp"`
	TodayKWh       float64   `json:"today_kwh"`
	PeakPowerKW    float64   `json:"peak_power_kw"`
	PeakPowerTime  string    `json:"peak_power_time"`
	LatestPowerW   float64   `json:"latest_power_w"`
	LatestTime     string    `json:"latest_time"`
	Last7DaysKWh   float64   `json:"last_7d_kwh"`
	MonthToDateKWh float64   `json:"month_to_date_kwh"`
	LifetimeMWh    float64   `json:"lifetime_mwh"`
	ACVoltageV     float64   `json:"ac_voltage_v"`
	Valid          bool      `json:"valid"`
}

func (s *SolarSummary) Source() Portal        { return PortalEnphase }
func (s *SolarSummary) IsValid() bool         { return s != nil && s.Valid }
func (s *SolarSummary) ObservedAt() time.Time { return s.Timestamp }

// Validate sets Valid for a summary observed at local time at.
func (s *SolarSummary) Validate(at time.Time) {
	hour := at.Hour()
	if hour >= 8 && hour < 18 {
		s.Valid = s.TodayKWh > 0 || s.LatestPowerW > 0 || s.ACVoltageV > 200
		return
	}
	s.Valid = s.ACVoltageV > 200 || s.TodayKWh >= 0
}
