package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Map is an opaque string-keyed mapping used for agent properties,
// capability configuration, and execution context. It serializes to a
// JSON column at the persistence boundary.
type Map map[string]any

// Value implements driver.Valuer for JSON column storage.
func (m Map) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal map: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner for JSON column storage.
func (m *Map) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for Map: %T", value)
	}

	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// Clone returns a deep copy of the map. Nested maps and slices are
// copied through a JSON round trip; values that cannot be marshaled are
// copied by reference.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		out := make(Map, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out Map
	if err := json.Unmarshal(b, &out); err != nil {
		out = make(Map, len(m))
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// Has reports whether the key is present.
func (m Map) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// GetString returns the value at key as a string.
func (m Map) GetString(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetFloat returns the value at key as a float64. Integer values are
// widened; JSON decoding already yields float64 for numbers.
func (m Map) GetFloat(key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// GetBool returns the value at key as a bool.
func (m Map) GetBool(key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Contains reports whether the value at key contains needle. Strings
// use substring match; slices match any element whose string form
// equals needle.
func (m Map) Contains(key string, needle string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	switch c := v.(type) {
	case string:
		return strings.Contains(c, needle)
	case []any:
		for _, item := range c {
			if fmt.Sprintf("%v", item) == needle {
				return true
			}
		}
	case []string:
		for _, item := range c {
			if item == needle {
				return true
			}
		}
	}
	return false
}

// StringList is a JSON-encoded list of strings, used for capability tags.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal string list: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}

	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}
