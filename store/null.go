package store

import (
	"database/sql"
	"time"
)

// NullableString/Bytes/Time/Int64 mirror the teacher's
// SQLiteExecutionEventStore nullable-value helpers: a Go zero value maps
// to SQL NULL rather than an empty string or epoch time, so optional
// columns round-trip cleanly.

func NullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func NullableInt64(n int64) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

func NullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// TimeOrZero extracts the time.Time from a NullTime, or the zero value.
func TimeOrZero(nt sql.NullTime) time.Time {
	if !nt.Valid {
		return time.Time{}
	}
	return nt.Time
}

// StringOrEmpty extracts the string from a NullString, or "".
func StringOrEmpty(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

// Int64OrZero extracts the int64 from a NullInt64, or 0.
func Int64OrZero(ni sql.NullInt64) int64 {
	if !ni.Valid {
		return 0
	}
	return ni.Int64
}

// NowUTC returns the current time in UTC, at full precision. Callers pass
// it through FormatTime when stamping it into the store.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// FormatTime renders t as the ISO-8601 UTC string stored in every TEXT
// timestamp column.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a stored ISO-8601 timestamp. An empty string yields
// the zero time.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
