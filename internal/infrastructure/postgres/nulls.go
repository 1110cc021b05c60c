package postgres

import (
	"database/sql"
	"time"
)

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// optional maps "" to NULL for nullable id columns.
func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}
