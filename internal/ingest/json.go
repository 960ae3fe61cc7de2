package ingest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"rhinoguard/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.DetectionFields, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap flattens a decoded detection object and resolves field
// aliases. Nested location objects are read as lat/lng.
func ParseJSONMap(obj map[string]any) *normalize.DetectionFields {
	flat := map[string]string{}
	for key, val := range obj {
		key = strings.ToLower(key)
		if loc, ok := val.(map[string]any); ok && (key == "location" || key == "gps") {
			for k, v := range loc {
				flat[strings.ToLower(k)] = scalar(v)
			}
			continue
		}
		flat[key] = scalar(val)
	}
	names := make([]string, 0, len(flat))
	for name := range flat {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := &normalize.DetectionFields{Extras: map[string]string{}}
	for _, name := range names {
		assignField(fields, name, flat[name])
	}
	return fields
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
