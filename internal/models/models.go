// v0
// internal/models/models.go
package models

import (
	"encoding/json"
	"time"
)

// CorrectionType names the chemistry loop a controller and its PID instances belong to.
type CorrectionType string

const (
	CorrectionPH CorrectionType = "ph"
	CorrectionEC CorrectionType = "ec"
)

// Zone is the read-only view of a growing zone as the control core sees it.
type Zone struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	HealthScore     float64   `json:"healthScore"`
	ActiveAlerts    int       `json:"activeAlerts"`
	LastTelemetryAt time.Time `json:"lastTelemetryAt"`
	NodesTotal      int       `json:"nodesTotal"`
	NodesOffline    int       `json:"nodesOffline"`
}

// Targets carries the effective setpoints of a zone. Nil means "no target".
type Targets struct {
	PH *float64 `json:"ph,omitempty"`
	EC *float64 `json:"ec,omitempty"`
}

// Setpoint returns the target for the given correction type.
func (t Targets) Setpoint(ct CorrectionType) (float64, bool) {
	var p *float64
	switch ct {
	case CorrectionPH:
		p = t.PH
	case CorrectionEC:
		p = t.EC
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Telemetry is the latest sample set of a zone.
type Telemetry struct {
	PH           *float64  `json:"ph,omitempty"`
	EC           *float64  `json:"ec,omitempty"`
	SampledAt    time.Time `json:"sampledAt"`
	WaterLevelOK bool      `json:"waterLevelOk"`
}

// Value returns the measured value for the given correction type.
func (t Telemetry) Value(ct CorrectionType) (float64, bool) {
	var p *float64
	switch ct {
	case CorrectionPH:
		p = t.PH
	case CorrectionEC:
		p = t.EC
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Sample is one historical telemetry point used for trend analysis.
type Sample struct {
	Value float64
	TS    time.Time
}

// BindingRow is a channel binding as stored for a zone, keyed by role or legacy alias.
type BindingRow struct {
	Key       string  `json:"key"`
	NodeID    int64   `json:"nodeId"`
	NodeUID   string  `json:"nodeUid"`
	Channel   string  `json:"channel"`
	MLPerSec  float64 `json:"mlPerSec"`
	KMsPerMLL float64 `json:"kMsPerMlL"`
	Direction string  `json:"direction"`
}

// ActuatorBinding is a normalized binding for a canonical actuator role.
type ActuatorBinding struct {
	Role      string  `json:"role"`
	Alias     string  `json:"alias"`
	NodeID    int64   `json:"nodeId"`
	NodeUID   string  `json:"nodeUid"`
	Channel   string  `json:"channel"`
	MLPerSec  float64 `json:"mlPerSec"`
	KMsPerMLL float64 `json:"kMsPerMlL"`
	Direction string  `json:"direction"`
}

// Command is a single actuator command published over the transport.
type Command struct {
	ZoneID  int64          `json:"zoneId"`
	NodeUID string         `json:"nodeUid"`
	Channel string         `json:"channel"`
	Cmd     string         `json:"cmd"`
	Params  map[string]any `json:"params,omitempty"`
}

// PidTelemetry is the PID portion of a correction decision.
type PidTelemetry struct {
	Zone     string  `json:"zone"`
	Output   float64 `json:"output"`
	Integral float64 `json:"integral"`
}

// CorrectionDecision captures why a correction cycle did or did not dose.
type CorrectionDecision struct {
	Type    CorrectionType `json:"type"`
	Current float64        `json:"current"`
	Target  float64        `json:"target"`
	Diff    float64        `json:"diff"`
	Applied bool           `json:"applied"`
	Reason  string         `json:"reason"`
	PID     *PidTelemetry  `json:"pid,omitempty"`
}

// Event types written to zone_events.
const (
	EventCorrectionDecision = "CORRECTION_DECISION"
	EventPIDOutput          = "PID_OUTPUT"
	EventPHCorrected        = "PH_CORRECTED"
	EventECDosing           = "EC_DOSING"
	EventECPartialDose      = "EC_PARTIAL_DOSE"
	EventFreshnessSkip      = "TELEMETRY_STALE"
	EventWaterLevelVeto     = "WATER_LEVEL_VETO"
)

// CorrectionEventTypes lists the events that count as an applied correction for cooldown.
func CorrectionEventTypes(ct CorrectionType) []string {
	switch ct {
	case CorrectionPH:
		return []string{EventPHCorrected}
	case CorrectionEC:
		return []string{EventECDosing, EventECPartialDose}
	}
	return nil
}

// ZoneEvent is an auditable event row.
type ZoneEvent struct {
	ID        string          `json:"id"`
	ZoneID    int64           `json:"zoneId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}
