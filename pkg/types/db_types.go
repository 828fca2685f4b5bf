package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringSlice stores a list of strings (scopes, redirect URIs, reasons) as a JSON text column.
type StringSlice []string

// JSON stores a sparse set of claim values as a JSON text column.
type JSON map[string]any

// Value implements the driver.Valuer interface for StringSlice
func (s StringSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface for StringSlice
func (s *StringSlice) Scan(value any) error {
	data, err := scanBytes(value, "StringSlice")
	if err != nil {
		return err
	}
	if len(data) == 0 {
		*s = StringSlice{}
		return nil
	}
	return json.Unmarshal(data, (*[]string)(s))
}

// Value implements the driver.Valuer interface for JSON
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(map[string]any(j))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface for JSON
func (j *JSON) Scan(value any) error {
	data, err := scanBytes(value, "JSON")
	if err != nil {
		return err
	}
	if len(data) == 0 {
		*j = JSON{}
		return nil
	}
	return json.Unmarshal(data, (*map[string]any)(j))
}

func scanBytes(value any, target string) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("cannot scan %T into %s", value, target)
	}
}
