package ingest

import (
	"encoding/csv"
	"errors"
	"strings"
	"sync"

	"rhinoguard/internal/normalize"
)

var errNoHeader = errors.New("csv detection line before header row")

// Parser turns one line of a detection feed into fields. JSON objects are
// self-describing; CSV lines need a header row first, which the parser
// remembers per feed.
type Parser struct {
	mu     sync.Mutex
	header []string
}

func NewParser() *Parser {
	return &Parser{}
}

// ParseLine returns nil fields for blank lines and header rows.
func (p *Parser) ParseLine(line string) (*normalize.DetectionFields, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if strings.HasPrefix(trim, "{") {
		return ParseJSONBytes([]byte(trim))
	}
	return p.parseCSV(trim)
}

func (p *Parser) parseCSV(line string) (*normalize.DetectionFields, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	if p.header == nil {
		return nil, errNoHeader
	}
	fields := &normalize.DetectionFields{Extras: map[string]string{}}
	for i, name := range p.header {
		if i >= len(record) {
			break
		}
		assignField(fields, name, record[i])
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "id", "detection_id", "class_name", "class", "label", "confidence", "gps_lat", "gps_lng":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}

func assignField(fields *normalize.DetectionFields, name string, value string) {
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.TrimSpace(value)
	switch name {
	case "id", "detection_id", "detectionid":
		fields.ID = value
	case "class_name", "classname", "class", "label", "species":
		fields.ClassName = value
	case "confidence", "score", "conf":
		fields.Confidence = value
	case "gps_lat", "lat", "latitude":
		fields.Latitude = value
	case "gps_lng", "gps_lon", "lng", "lon", "longitude":
		fields.Longitude = value
	case "timestamp", "time", "ts", "detected_at":
		fields.Timestamp = value
	case "source", "device", "device_type", "sensor":
		fields.Source = value
	case "is_threat_likely", "isthreatlikely", "threat_likely":
		fields.ThreatLikely = value
	case "zone", "zone_label", "zonelabel":
		fields.Zone = value
	default:
		if fields.Extras != nil && value != "" {
			fields.Extras[name] = value
		}
	}
}
