package model

import (
	"time"
	"unicode/utf8"
)

type Source string

const (
	SourceCameraTrap Source = "camera_trap"
	SourceDrone      Source = "drone"
	SourceManual     Source = "manual"
)

type AlertType string

const (
	TypePoacherSuspected AlertType = "poacher_suspected"
	TypeHumanDetected    AlertType = "human_detected"
	TypeVehicleSuspected AlertType = "vehicle_suspected"
	TypeRhinoInDistress  AlertType = "rhino_in_distress"
	TypeUnknownThreat    AlertType = "unknown_threat"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

type Status string

const (
	StatusCreated      Status = "created"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusInProgress   Status = "in_progress"
	StatusResolved     Status = "resolved"
	StatusFailed       Status = "failed"
	StatusExpired      Status = "expired"
)

func (s Status) IsActive() bool {
	switch s {
	case StatusCreated, StatusSent, StatusAcknowledged, StatusInProgress:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusResolved, StatusFailed, StatusExpired:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

var transitions = map[Status][]Status{
	StatusCreated:      {StatusSent},
	StatusSent:         {StatusAcknowledged, StatusFailed, StatusExpired},
	StatusAcknowledged: {StatusInProgress},
	StatusInProgress:   {StatusResolved},
}

// CanTransition reports whether an alert in status from may move to status to.
// Staying in the same non-terminal status is allowed; terminal statuses never move.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const NotesMaxLen = 240

// TruncateNotes bounds operator notes to NotesMaxLen characters.
func TruncateNotes(notes string) string {
	if utf8.RuneCountInString(notes) <= NotesMaxLen {
		return notes
	}
	runes := []rune(notes)
	return string(runes[:NotesMaxLen])
}

type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	ZoneLabel string  `json:"zone_label,omitempty"`
}

type Alert struct {
	ID                    string     `json:"id"`
	DetectionID           string     `json:"detection_id"`
	Source                Source     `json:"source"`
	Type                  AlertType  `json:"type"`
	Severity              Severity   `json:"severity"`
	Status                Status     `json:"status"`
	Location              Location   `json:"location"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	AcknowledgedAt        *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt            *time.Time `json:"resolved_at,omitempty"`
	CreatedBy             string     `json:"created_by"`
	Notes                 string     `json:"notes"`
	DeliveryChannelStatus []string   `json:"delivery_channel_status"`
	RangerAssigned        string     `json:"ranger_assigned,omitempty"`
	IsSynthetic           bool       `json:"is_synthetic"`
}

// Clone returns a copy that shares no mutable state with a.
func (a Alert) Clone() Alert {
	out := a
	if a.AcknowledgedAt != nil {
		ts := *a.AcknowledgedAt
		out.AcknowledgedAt = &ts
	}
	if a.ResolvedAt != nil {
		ts := *a.ResolvedAt
		out.ResolvedAt = &ts
	}
	if a.DeliveryChannelStatus != nil {
		out.DeliveryChannelStatus = append([]string(nil), a.DeliveryChannelStatus...)
	}
	return out
}

type RangerPosition struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	LastUpdate time.Time `json:"last_update"`
}

type Detection struct {
	ID             string    `json:"id"`
	ClassName      string    `json:"class_name"`
	Confidence     float64   `json:"confidence"`
	Latitude       float64   `json:"gps_lat"`
	Longitude      float64   `json:"gps_lng"`
	Timestamp      time.Time `json:"timestamp"`
	Source         string    `json:"source,omitempty"`
	IsThreatLikely *bool     `json:"is_threat_likely,omitempty"`
	Zone           string    `json:"zone,omitempty"`
}

// Overrides carries operator-supplied values that take precedence over the
// classification rules when an alert is created.
type Overrides struct {
	Type      AlertType `json:"type,omitempty"`
	Severity  Severity  `json:"severity,omitempty"`
	Source    Source    `json:"source,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	ZoneLabel string    `json:"zone_label,omitempty"`
	CreatedBy string    `json:"created_by,omitempty"`
}
