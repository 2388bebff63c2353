// Package value classifies raw column values into semantic types and
// compares them with type-aware equality.
package value

import (
	"database/sql/driver"
	"encoding/json"
	"math/big"
	"reflect"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type is the semantic kind of a column value
type Type int

const (
	NotIdentified Type = iota
	Number
	Text
	Boolean
	Date
	Time
	DateTime
	Bytes
	UUID
)

var typeNames = map[Type]string{
	NotIdentified: "NOT_IDENTIFIED",
	Number:        "NUMBER",
	Text:          "TEXT",
	Boolean:       "BOOLEAN",
	Date:          "DATE",
	Time:          "TIME",
	DateTime:      "DATE_TIME",
	Bytes:         "BYTES",
	UUID:          "UUID",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return typeNames[NotIdentified]
}

// maxUnwrap bounds pointer and driver.Valuer unwrapping
const maxUnwrap = 8

// Classify returns the semantic type of raw. A nil value has no fixed type and
// is reported as NotIdentified; use IsNull to tell the two apart.
func Classify(raw any) Type {
	return classify(normalize(raw))
}

// IsNull reports whether raw is nil, a nil pointer, or a driver.Valuer holding NULL
func IsNull(raw any) bool {
	return normalize(raw) == nil
}

func classify(v any) Type {
	switch v.(type) {
	case nil:
		return NotIdentified
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		decimal.Decimal, *big.Int, json.Number:
		return Number
	case string:
		return Text
	case bool:
		return Boolean
	case []byte:
		return Bytes
	case uuid.UUID:
		return UUID
	case civil.Date:
		return Date
	case civil.Time:
		return Time
	case civil.DateTime, time.Time:
		return DateTime
	default:
		return NotIdentified
	}
}

func isKnown(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		decimal.Decimal, *big.Int, json.Number,
		string, bool, []byte,
		uuid.UUID, civil.Date, civil.Time, civil.DateTime, time.Time:
		return true
	}
	return false
}

// normalize unwraps pointers and driver.Valuer implementations and converts
// named basic types (type Status string) to their underlying kind.
func normalize(raw any) any {
	for depth := 0; depth < maxUnwrap; depth++ {
		if raw == nil {
			return nil
		}
		if b, ok := raw.(*big.Int); ok {
			if b == nil {
				return nil
			}
			return b
		}
		if isKnown(raw) {
			return raw
		}

		rv := reflect.ValueOf(raw)
		if rv.Kind() == reflect.Pointer {
			if rv.IsNil() {
				return nil
			}
			raw = rv.Elem().Interface()
			continue
		}

		if valuer, ok := raw.(driver.Valuer); ok {
			v, err := valuer.Value()
			if err != nil {
				return raw
			}
			raw = v
			continue
		}

		return fromKind(rv, raw)
	}
	return raw
}

func fromKind(rv reflect.Value, raw any) any {
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Bytes()
		}
	}
	return raw
}
