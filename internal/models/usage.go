package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// UsageCounter - счетчик использований инструмента за расчетный период.
type UsageCounter struct {
	UserID      string    `db:"user_id" json:"user_id"`
	ToolName    string    `db:"tool_name" json:"tool_name"`
	PeriodStart time.Time `db:"period_start" json:"period_start"`
	Count       int64     `db:"count" json:"usage_count"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// ToolUsage - разбивка использований по инструментам (JSONB).
type ToolUsage map[string]int64

// Value реализует driver.Valuer.
func (t ToolUsage) Value() (driver.Value, error) {
	if t == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(t)
}

// Scan реализует sql.Scanner.
func (t *ToolUsage) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*t = ToolUsage{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("models: unsupported ToolUsage source")
	}
	out := ToolUsage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*t = out
	return nil
}

// Total суммирует использования по всем инструментам.
func (t ToolUsage) Total() int64 {
	var sum int64
	for _, n := range t {
		sum += n
	}
	return sum
}

// TrialBalance - остаток пробных использований пользователя.
type TrialBalance struct {
	UserID        string    `db:"user_id" json:"user_id"`
	UsesRemaining int64     `db:"uses_remaining" json:"uses_remaining"`
	ToolsUsed     ToolUsage `db:"tools_used" json:"tools_used"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}
