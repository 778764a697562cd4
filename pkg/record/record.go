// Package record holds helpers for the flat key-value shape used at the core's
// boundary: storage rows, webhook payloads and API responses.
package record

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cast"
)

// Record is a flat key-value representation with ISO-8601 timestamps.
type Record = map[string]any

// FormatTime renders t as RFC 3339 in UTC. The zero time renders as "".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// FormatTimePtr is FormatTime for optional timestamps; nil renders as nil.
func FormatTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return FormatTime(*t)
}

// Time reads an ISO-8601 timestamp. Missing or empty values yield the zero time.
func Time(r Record, key string) (time.Time, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return time.Time{}, nil
	}
	if s, isStr := v.(string); isStr {
		if s == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
	}
	t, err := cast.ToTimeE(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return t.UTC(), nil
}

// TimePtr reads an optional timestamp.
func TimePtr(r Record, key string) (*time.Time, error) {
	t, err := Time(r, key)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}

func String(r Record, key string) string {
	return cast.ToString(r[key])
}

func Float(r Record, key string) (float64, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func Int(r Record, key string) (int, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, nil
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return i, nil
}

func Bool(r Record, key string) (bool, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return false, nil
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// Floats reads a list of numbers given as a slice or a JSON array string.
func Floats(r Record, key string) ([]float64, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case []float64:
		return append([]float64(nil), t...), nil
	case string:
		if t == "" {
			return nil, nil
		}
		var out []float64
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return out, nil
	}
	items, err := cast.ToSliceE(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		f, err := cast.ToFloat64E(item)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// Map reads a nested object given as a map or a JSON object string.
func Map(r Record, key string) (map[string]any, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return nil, nil
	}
	if s, isStr := v.(string); isStr {
		if s == "" {
			return nil, nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return out, nil
	}
	m, err := cast.ToStringMapE(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return m, nil
}

// Encode serializes a record to JSON.
func Encode(r Record) ([]byte, error) {
	return json.Marshal(r)
}

// Decode parses a JSON object into a record.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return r, nil
}
