package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"rhinoguard/internal/model"
)

// DetectionFields is a loosely typed detection record as received from an
// ingest source, before validation.
type DetectionFields struct {
	ID           string
	ClassName    string
	Confidence   string
	Latitude     string
	Longitude    string
	Timestamp    string
	Source       string
	ThreatLikely string
	Zone         string
	Extras       map[string]string
}

var ErrMissingID = errors.New("detection id is required")

func Detection(fields DetectionFields, now time.Time) (model.Detection, error) {
	id := strings.TrimSpace(fields.ID)
	if id == "" {
		return model.Detection{}, ErrMissingID
	}
	det := model.Detection{
		ID:        id,
		ClassName: strings.TrimSpace(fields.ClassName),
		Source:    strings.TrimSpace(fields.Source),
		Zone:      strings.TrimSpace(fields.Zone),
		Timestamp: now.UTC(),
	}
	if fields.Confidence != "" {
		conf, err := strconv.ParseFloat(strings.TrimSpace(fields.Confidence), 64)
		if err != nil {
			return model.Detection{}, fmt.Errorf("parse confidence: %w", err)
		}
		if math.IsNaN(conf) || conf < 0 || conf > 1 {
			return model.Detection{}, fmt.Errorf("confidence %v outside [0,1]", conf)
		}
		det.Confidence = conf
	}
	var err error
	if det.Latitude, err = parseCoord(fields.Latitude, 90); err != nil {
		return model.Detection{}, fmt.Errorf("parse latitude: %w", err)
	}
	if det.Longitude, err = parseCoord(fields.Longitude, 180); err != nil {
		return model.Detection{}, fmt.Errorf("parse longitude: %w", err)
	}
	if fields.Timestamp != "" {
		ts, err := ParseTimestamp(fields.Timestamp, time.UTC)
		if err != nil {
			return model.Detection{}, fmt.Errorf("parse timestamp: %w", err)
		}
		det.Timestamp = ts.UTC()
	}
	if v := strings.TrimSpace(fields.ThreatLikely); v != "" {
		flag, err := strconv.ParseBool(v)
		if err != nil {
			return model.Detection{}, fmt.Errorf("parse is_threat_likely: %w", err)
		}
		det.IsThreatLikely = &flag
	}
	return det, nil
}

func parseCoord(value string, limit float64) (float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.Abs(v) > limit {
		return 0, fmt.Errorf("coordinate %v out of range", v)
	}
	return v, nil
}

// TimeValue converts a decoded JSON value (string or number) into a time.
// ok is false when the value is absent or unparseable.
func TimeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		ts, err := ParseTimestamp(t, time.UTC)
		if err != nil {
			return time.Time{}, false
		}
		return ts.UTC(), true
	case float64:
		if t <= 0 {
			return time.Time{}, false
		}
		ts, err := parseUnix(strconv.FormatInt(int64(t), 10))
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return time.Time{}, false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
