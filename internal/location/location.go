// Package location models the flat key/value maps used to address threads,
// presence and metadata. Values are restricted to strings, numbers and
// booleans.
package location

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
)

type Location map[string]any

// ValidValue reports whether v is a string, a finite number or a boolean.
func ValidValue(v any) bool {
	switch n := v.(type) {
	case string, bool:
		return true
	case float64:
		return !math.IsNaN(n) && !math.IsInf(n, 0)
	case float32:
		return !math.IsNaN(float64(n)) && !math.IsInf(float64(n), 0)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	default:
		return false
	}
}

// Validate returns the first key holding a value outside string/number/boolean.
func Validate(m map[string]any) error {
	for k, v := range m {
		if k == "" {
			return fmt.Errorf("empty key")
		}
		if !ValidValue(v) {
			return fmt.Errorf("value of %q must be a string, number or boolean", k)
		}
	}
	return nil
}

// Normalize returns a copy with every numeric value converted to float64 so
// values decoded from JSON and values built in Go compare equal.
func Normalize(m map[string]any) Location {
	if m == nil {
		return nil
	}
	out := make(Location, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	default:
		return v
	}
}

// Contains reports whether every pair of subset is present in l.
// An empty subset is contained in every location.
func (l Location) Contains(subset map[string]any) bool {
	for k, want := range subset {
		got, ok := l[k]
		if !ok || !ValidValue(got) || !ValidValue(want) {
			return false
		}
		if normalizeValue(got) != normalizeValue(want) {
			return false
		}
	}
	return true
}

func (l Location) Equal(other map[string]any) bool {
	return len(l) == len(other) && l.Contains(other)
}

// Key is the canonical JSON encoding. encoding/json sorts map keys, so equal
// locations share a key.
func (l Location) Key() string {
	if len(l) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(Normalize(l))
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// Hash is a short stable identifier for the location, safe for Redis keys.
func (l Location) Hash() string {
	sum := sha1.Sum([]byte(l.Key()))
	return hex.EncodeToString(sum[:])
}

func Parse(raw string) (Location, error) {
	var l Location
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return nil, fmt.Errorf("decode location: %w", err)
	}
	return l, nil
}
