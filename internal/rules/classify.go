package rules

import (
	"strings"

	"rhinoguard/internal/model"
)

func DeriveAlertType(className string) model.AlertType {
	n := strings.ToLower(className)
	switch {
	case strings.Contains(n, "poacher"):
		return model.TypePoacherSuspected
	case containsAny(n, "human", "person"):
		return model.TypeHumanDetected
	case containsAny(n, "vehicle", "car", "truck"):
		return model.TypeVehicleSuspected
	case strings.Contains(n, "rhino") && strings.Contains(n, "distress"):
		return model.TypeRhinoInDistress
	}
	return model.TypeUnknownThreat
}

func DeriveAlertSeverity(det model.Detection) model.Severity {
	n := strings.ToLower(det.ClassName)
	humanOrVehicle := containsAny(n, "human", "vehicle")
	switch {
	case det.Confidence >= 0.85 && (humanOrVehicle || strings.Contains(n, "poacher")):
		return model.SeverityCritical
	case det.Confidence >= 0.70 && humanOrVehicle:
		return model.SeverityHigh
	case humanOrVehicle:
		return model.SeverityMedium
	}
	return model.SeverityLow
}

func DeriveAlertSource(source string) model.Source {
	n := strings.ToLower(source)
	switch {
	case containsAny(n, "drone", "aerial"):
		return model.SourceDrone
	case containsAny(n, "camera", "trap"):
		return model.SourceCameraTrap
	}
	return model.SourceCameraTrap
}

// ShouldOfferAlert reports whether a detection is eligible for a ranger alert.
// The human/vehicle/poacher check runs before the low-confidence rhino
// suppression, so "human near rhino" is always eligible.
func ShouldOfferAlert(det model.Detection) bool {
	n := strings.ToLower(det.ClassName)
	if containsAny(n, "human", "vehicle", "poacher") {
		return true
	}
	if strings.Contains(n, "rhino") && det.Confidence < 0.6 {
		return false
	}
	if det.IsThreatLikely != nil && *det.IsThreatLikely {
		return true
	}
	return false
}

// FormatAlertID renders an alert id with the RG- display prefix.
func FormatAlertID(id string) string {
	if id == "" {
		return "Unknown"
	}
	if strings.HasPrefix(id, "RG-") {
		return id
	}
	return "RG-" + id
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
