package mapper

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Str trims and returns a non-empty string form of v, or nil.
func Str(v any) *string {
	switch value := v.(type) {
	case string:
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return nil
		}
		return &trimmed
	case float64:
		formatted := strconv.FormatFloat(value, 'f', -1, 64)
		return &formatted
	case bool:
		formatted := strconv.FormatBool(value)
		return &formatted
	case json.Number:
		formatted := value.String()
		return &formatted
	default:
		return nil
	}
}

// ExternalID normalizes an upstream identifier: trimmed, with the empty
// string and the literal "null" treated as absent.
func ExternalID(v any) *string {
	id := Str(v)
	if id == nil {
		return nil
	}
	if strings.EqualFold(*id, "null") {
		return nil
	}
	return id
}

// Record returns v as an object, or nil.
func Record(v any) map[string]any {
	record, _ := v.(map[string]any)
	return record
}

// Coalesce returns the first non-nil string among the candidates.
func Coalesce(candidates ...any) *string {
	for _, candidate := range candidates {
		if s := Str(candidate); s != nil {
			return s
		}
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Time parses the upstream's assorted timestamp shapes into UTC.
func Time(v any) *time.Time {
	switch value := v.(type) {
	case string:
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return nil
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				utc := parsed.UTC()
				return &utc
			}
		}
		return nil
	case float64:
		// Seconds unless the magnitude says milliseconds.
		ms := int64(value)
		if ms < 1_000_000_000_000 {
			ms *= 1000
		}
		parsed := time.UnixMilli(ms).UTC()
		return &parsed
	default:
		return nil
	}
}

// FirstTime returns the first parseable timestamp among the candidates.
func FirstTime(candidates ...any) *time.Time {
	for _, candidate := range candidates {
		if candidate == nil {
			continue
		}
		if parsed := Time(candidate); parsed != nil {
			return parsed
		}
	}
	return nil
}

// Int returns v as an int when it is numeric.
func Int(v any) *int {
	switch value := v.(type) {
	case float64:
		parsed := int(value)
		return &parsed
	case string:
		trimmed := strings.TrimSpace(strings.ReplaceAll(value, ",", "."))
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return nil
		}
		rounded := int(parsed)
		return &rounded
	default:
		return nil
	}
}

// Bool returns v as a bool, defaulting to fallback.
func Bool(v any, fallback bool) bool {
	if value, ok := v.(bool); ok {
		return value
	}
	return fallback
}

// Raw re-encodes the payload for the audit column.
func Raw(payload map[string]any) datatypes.JSON {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return datatypes.JSON(encoded)
}
