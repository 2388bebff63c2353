package capture

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// category groups driver type names that decode the same way
type category int

const (
	catOther category = iota
	catInteger
	catUnsigned
	catFloat
	catDecimal
	catBool
	catText
	catBinary
	catDate
	catTime
	catDateTime
	catUUID
)

// categorize maps DatabaseTypeName (mysql, lib/pq, pgx) to a category
func categorize(dbType string) category {
	t := strings.ToUpper(strings.TrimSpace(dbType))
	switch t {
	case "":
		return catOther
	case "BOOL", "BOOLEAN":
		return catBool
	case "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE", "DOUBLE PRECISION", "REAL":
		return catFloat
	case "DECIMAL", "NUMERIC", "NEWDECIMAL":
		return catDecimal
	case "DATE":
		return catDate
	case "TIME", "TIMETZ", "TIME WITHOUT TIME ZONE":
		return catTime
	case "DATETIME", "TIMESTAMP", "TIMESTAMPTZ", "TIMESTAMP WITHOUT TIME ZONE", "TIMESTAMP WITH TIME ZONE":
		return catDateTime
	case "UUID":
		return catUUID
	case "YEAR", "SERIAL", "BIGSERIAL", "SMALLSERIAL":
		return catInteger
	case "INTERVAL":
		return catText
	case "POINT", "MULTIPOINT", "GEOMETRY":
		return catOther
	}

	switch {
	case strings.Contains(t, "INT"):
		if strings.HasPrefix(t, "UNSIGNED") {
			return catUnsigned
		}
		return catInteger
	case strings.Contains(t, "BLOB"), strings.Contains(t, "BINARY"), t == "BYTEA", t == "BIT":
		return catBinary
	case strings.Contains(t, "CHAR"), strings.Contains(t, "TEXT"), t == "ENUM", t == "SET",
		t == "JSON", t == "JSONB", t == "NAME", t == "XML", t == "CITEXT":
		return catText
	}
	return catOther
}

// convert turns a scanned driver value into the Go type the value package
// classifies for the column category. Values that do not parse are kept in
// their textual form.
func convert(raw any, cat category) any {
	if raw == nil {
		return nil
	}
	s, isText := textOf(raw)

	switch cat {
	case catInteger:
		if isText {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
			return parseDecimal(s)
		}
	case catUnsigned:
		if isText {
			if n, err := strconv.ParseUint(s, 10, 64); err == nil {
				return n
			}
			return parseDecimal(s)
		}
	case catFloat:
		if isText {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
			return s
		}
	case catDecimal:
		if isText {
			return parseDecimal(s)
		}
	case catBool:
		switch v := raw.(type) {
		case int64:
			return v != 0
		case bool:
			return v
		}
		if isText {
			if b, err := strconv.ParseBool(s); err == nil {
				return b
			}
			return s
		}
	case catText:
		if isText {
			return s
		}
	case catBinary:
		return raw
	case catDate:
		if t, ok := raw.(time.Time); ok {
			return civil.DateOf(t)
		}
		if isText {
			if d, err := civil.ParseDate(s); err == nil {
				return d
			}
			return s
		}
	case catTime:
		if t, ok := raw.(time.Time); ok {
			return civil.TimeOf(t)
		}
		if isText {
			if t, err := civil.ParseTime(s); err == nil {
				return t
			}
			return s
		}
	case catDateTime:
		if isText {
			return parseDateTime(s)
		}
	case catUUID:
		if b, ok := raw.([16]byte); ok {
			return uuid.UUID(b)
		}
		if isText {
			if u, err := uuid.Parse(s); err == nil {
				return u
			}
			return s
		}
	default:
		if b, ok := raw.([]byte); ok && utf8.Valid(b) {
			return string(b)
		}
	}
	return raw
}

func textOf(raw any) (string, bool) {
	switch v := raw.(type) {
	case []byte:
		return string(v), true
	case string:
		return v, true
	}
	return "", false
}

func parseDecimal(s string) any {
	if d, err := decimal.NewFromString(s); err == nil {
		return d
	}
	return s
}

var dateTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// parseDateTime reads textual timestamps as UTC unless they carry an offset
func parseDateTime(s string) any {
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return s
}
