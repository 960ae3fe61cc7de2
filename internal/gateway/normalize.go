package gateway

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"rhinoguard/internal/model"
	"rhinoguard/internal/normalize"
)

// normalizeAlert maps a backend alert in either snake_case or camelCase into
// the canonical shape. Missing fields get defaults; it never fails.
func (c *Client) normalizeAlert(raw map[string]any) model.Alert {
	now := c.now().UTC()
	alert := model.Alert{
		ID:                    str(raw, "id", "alert_id", "alertId"),
		DetectionID:           str(raw, "detection_id", "detectionId"),
		Source:                model.Source(str(raw, "source")),
		Type:                  model.AlertType(str(raw, "type", "alert_type")),
		Severity:              model.Severity(str(raw, "severity")),
		Status:                model.Status(strings.ToLower(str(raw, "status"))),
		CreatedBy:             str(raw, "created_by", "createdBy"),
		Notes:                 str(raw, "notes"),
		RangerAssigned:        rangerRef(first(raw, "ranger_assigned", "rangerAssigned")),
		DeliveryChannelStatus: strList(first(raw, "delivery_channel_status", "deliveryChannelStatus")),
		Location:              location(raw),
	}
	if alert.ID == "" {
		alert.ID = c.newSyntheticID()
	}
	if alert.Source == "" {
		alert.Source = model.SourceCameraTrap
	}
	if alert.Type == "" {
		alert.Type = model.TypeUnknownThreat
	}
	if alert.Severity == "" {
		alert.Severity = model.SeverityMedium
	}
	if !alert.Status.Valid() {
		if alert.Status != "" {
			c.logger.Warn("unknown alert status from backend, treating as sent", "alert_id", alert.ID, "status", alert.Status)
		}
		alert.Status = model.StatusSent
	}
	if alert.CreatedBy == "" {
		alert.CreatedBy = "Unknown"
	}
	alert.CreatedAt = timeOr(first(raw, "created_at", "createdAt"), now)
	alert.UpdatedAt = timeOr(first(raw, "updated_at", "updatedAt"), now)
	alert.AcknowledgedAt = optTime(first(raw, "acknowledged_at", "acknowledgedAt"))
	alert.ResolvedAt = optTime(first(raw, "resolved_at", "resolvedAt"))
	return alert
}

func (c *Client) normalizeRanger(raw map[string]any) model.RangerPosition {
	pos := model.RangerPosition{
		ID:   str(raw, "id", "ranger_id", "rangerId"),
		Name: str(raw, "name"),
	}
	pos.Latitude, _ = num(first(raw, "latitude", "lat", "gps_lat"))
	pos.Longitude, _ = num(first(raw, "longitude", "lng", "lon", "gps_lng"))
	pos.LastUpdate = timeOr(first(raw, "last_update", "lastUpdate", "updated_at", "timestamp"), c.now().UTC())
	return pos
}

func location(raw map[string]any) model.Location {
	var loc model.Location
	if obj, ok := raw["location"].(map[string]any); ok {
		loc.Latitude, _ = num(first(obj, "lat", "latitude"))
		loc.Longitude, _ = num(first(obj, "lng", "lon", "longitude"))
		loc.ZoneLabel = str(obj, "zoneLabel", "zone_label")
	}
	if loc.Latitude == 0 {
		loc.Latitude, _ = num(first(raw, "gps_lat", "lat"))
	}
	if loc.Longitude == 0 {
		loc.Longitude, _ = num(first(raw, "gps_lng", "lng"))
	}
	if loc.ZoneLabel == "" {
		loc.ZoneLabel = str(raw, "zone_label", "zoneLabel")
	}
	return loc
}

func (c *Client) syntheticAlert(det model.Detection, req triggerRequest) model.Alert {
	now := c.now().UTC()
	alert := model.Alert{
		ID:                    c.newSyntheticID(),
		DetectionID:           det.ID,
		Source:                req.Source,
		Type:                  req.Type,
		Severity:              req.Severity,
		Status:                model.StatusSent,
		Location:              model.Location{Latitude: det.Latitude, Longitude: det.Longitude},
		CreatedAt:             now,
		UpdatedAt:             now,
		CreatedBy:             req.CreatedBy,
		Notes:                 req.Notes,
		DeliveryChannelStatus: []string{"sms_pending"},
		IsSynthetic:           true,
	}
	if req.Location.ZoneLabel != nil {
		alert.Location.ZoneLabel = *req.Location.ZoneLabel
	}
	return alert
}

// newSyntheticID returns an RG- id built from the last six digits of the
// current unix milliseconds, disambiguated if this client issued it before.
func (c *Client) newSyntheticID() string {
	ms := strconv.FormatInt(c.now().UnixMilli(), 10)
	if len(ms) > 6 {
		ms = ms[len(ms)-6:]
	}
	id := "RG-" + ms
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.synthetic[id]; taken {
		id = id + "-" + uuid.NewString()[:8]
	}
	c.synthetic[id] = struct{}{}
	return id
}

func first(raw map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && s == "" {
				continue
			}
			return v
		}
	}
	return nil
}

func str(raw map[string]any, keys ...string) string {
	switch v := first(raw, keys...).(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func num(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func strList(v any) []string {
	out := []string{}
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case string:
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func rangerRef(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		return str(t, "id", "ranger_id")
	}
	return ""
}

func timeOr(v any, fallback time.Time) time.Time {
	if ts, ok := normalize.TimeValue(v); ok {
		return ts
	}
	return fallback
}

func optTime(v any) *time.Time {
	if ts, ok := normalize.TimeValue(v); ok {
		return &ts
	}
	return nil
}
