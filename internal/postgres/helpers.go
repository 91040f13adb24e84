package postgres

import (
	"github.com/jackc/pgx/v5/pgtype"
)

// textOrNull converts a Go string to pgtype.Text.
// Empty string → NULL (invalid), non-empty → valid text.
func textOrNull(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// nullableTextToString converts pgtype.Text to a Go string.
func nullableTextToString(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}
