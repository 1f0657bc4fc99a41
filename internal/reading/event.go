package reading

import "time"

type EventKind string

const (
	EventBatteryLow     EventKind = "battery_low"
	EventPeakDemandHigh EventKind = "peak_demand_high"
	EventGridImportHigh EventKind = "grid_import_high"
	EventInfo           EventKind = "info"
	EventError          EventKind = "error"
)

// IsAlert reports whether the kind comes from a threshold rule.
func (k EventKind) IsAlert() bool {
	switch k {
	case EventBatteryLow, EventPeakDemandHigh, EventGridImportHigh:
		return true
	}
	return false
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
)

// Event is an alert or diagnostic record.
type Event struct {
	ID        uint           `json:"id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      EventKind      `json:"kind"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Portal    Portal         `json:"portal,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}
