package persistence

import (
	"database/sql"
	"errors"
)

// Common persistence errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// jsonText defaults empty JSON columns to an empty array.
func jsonText(s string) string {
	if s == "" {
		return "[]"
	}
	return s
}
