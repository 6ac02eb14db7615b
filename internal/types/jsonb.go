package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Compile-time interface assertions.
// These ensure all JSONB types implement both sql.Scanner and driver.Valuer,
// catching any method signature drift at compile time rather than at runtime.
// Scan is on pointer receivers; Value is on value receivers.
var (
	_ sql.Scanner   = (*DailyUsage)(nil)
	_ driver.Valuer = DailyUsage(nil)
	_ sql.Scanner   = (*Metadata)(nil)
	_ driver.Valuer = Metadata(nil)
)

// scanJSONB is a generic helper that scans a JSONB database value into a Go
// pointer. It handles nil values, []byte, and string representations from
// different database drivers.
func scanJSONB(dest interface{}, value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (du *DailyUsage) Scan(value interface{}) error {
	if value == nil {
		*du = nil
		return nil
	}
	return scanJSONB(du, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
// A nil map is stored as an empty object so the column stays non-null.
func (du DailyUsage) Value() (driver.Value, error) {
	if du == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(du)
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	return scanJSONB(m, value)
}

// Value implements the driver.Valuer interface for writing JSONB to the database.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
