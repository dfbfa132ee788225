// Package sqlutil holds small helpers shared by the SQL store backends.
package sqlutil

import (
	"database/sql"
	"strings"
	"time"
)

// QuoteIdentifier wraps name in the dialect's identifier quote, escaping
// embedded quotes.
func QuoteIdentifier(name, quote string) string {
	return quote + escapeIdentifier(name, quote) + quote
}

func escapeIdentifier(name, quote string) string {
	if name == "" {
		return ""
	}
	escapedQuote := quote + quote
	return strings.ReplaceAll(name, quote, escapedQuote)
}

// StringOrEmpty unwraps a nullable column into a plain string.
func StringOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// TimeOrZero unwraps a nullable timestamp into a plain time.Time.
func TimeOrZero(nt sql.NullTime) time.Time {
	if nt.Valid {
		return nt.Time
	}
	return time.Time{}
}

// NullString boxes s for insertion, storing NULL for the empty string.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
