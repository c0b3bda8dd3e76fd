package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap stores a free-form string-keyed document as binary JSON.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json map: %w", err)
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	return scanJSON(value, m)
}

// Int64Map stores an integer-valued mapping, e.g. points per category.
type Int64Map map[string]int64

// Value implements driver.Valuer.
func (m Int64Map) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal int64 map: %w", err)
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (m *Int64Map) Scan(value any) error {
	return scanJSON(value, m)
}

// StringMap stores a string-valued mapping, e.g. current level per category.
type StringMap map[string]string

// Value implements driver.Valuer.
func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal string map: %w", err)
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (m *StringMap) Scan(value any) error {
	return scanJSON(value, m)
}

// StringList stores an ordered list of strings as JSON.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal string list: %w", err)
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value any) error {
	return scanJSON(value, l)
}

// DocList stores an ordered list of JSON documents, e.g. rule conditions.
type DocList []JSONMap

// Value implements driver.Valuer.
func (l DocList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal doc list: %w", err)
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (l *DocList) Scan(value any) error {
	return scanJSON(value, l)
}

func scanJSON(value any, target any) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported column type %T for json payload", value)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("unmarshal json payload: %w", err)
	}
	return nil
}
