package value

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Equal compares two raw values. nil equals only nil; values of different
// semantic types are never equal.
func Equal(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	ta, tb := classify(a), classify(b)
	if ta != tb {
		return false
	}

	switch ta {
	case Number:
		return numberEqual(a, b)
	case Text:
		return a.(string) == b.(string)
	case Boolean:
		return a.(bool) == b.(bool)
	case Bytes:
		return bytes.Equal(a.([]byte), b.([]byte))
	case UUID:
		return a.(uuid.UUID) == b.(uuid.UUID)
	case Date:
		return a.(civil.Date) == b.(civil.Date)
	case Time:
		return a.(civil.Time) == b.(civil.Time)
	case DateTime:
		return toDateTime(a) == toDateTime(b)
	default:
		return reflect.DeepEqual(a, b)
	}
}

// EqualAll compares two value sequences element-wise
func EqualAll(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Key returns a canonical form of raw. Values accepted by Equal always share
// the same key, so it can be used to bucket values in a map. Unclassified
// values key on their Go type alone, since their printed form may hold
// pointer addresses; callers must still confirm a match with Equal.
func Key(raw any) string {
	v := normalize(raw)
	if v == nil {
		return "\x00"
	}

	switch classify(v) {
	case Number:
		if d, ok := toDecimal(v); ok {
			return "n:" + d.String()
		}
		return "n:" + strconv.FormatFloat(toFloat(v), 'g', -1, 64)
	case Text:
		return "s:" + v.(string)
	case Boolean:
		return "b:" + strconv.FormatBool(v.(bool))
	case Bytes:
		return "x:" + hex.EncodeToString(v.([]byte))
	case UUID:
		return "u:" + v.(uuid.UUID).String()
	case Date:
		return "d:" + v.(civil.Date).String()
	case Time:
		return "t:" + v.(civil.Time).String()
	case DateTime:
		return "dt:" + toDateTime(v).String()
	default:
		return fmt.Sprintf("?:%T", v)
	}
}

func numberEqual(a, b any) bool {
	da, okA := toDecimal(a)
	db, okB := toDecimal(b)
	if okA && okB {
		return da.Equal(db)
	}
	// At least one side is NaN/Inf or an unparsable json.Number
	if isFloaty(a) && isFloaty(b) {
		return floatEqual(toFloat(a), toFloat(b))
	}
	if !okA && !okB {
		return reflect.DeepEqual(a, b)
	}
	return false
}

func floatEqual(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return a == b
}

func isFloaty(v any) bool {
	switch v.(type) {
	case float32, float64:
		return true
	}
	return false
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float32:
		return float64(n)
	case float64:
		return n
	}
	return math.NaN()
}

// toDecimal normalizes any Number value. NaN and infinities have no decimal
// form and report false.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int8:
		return decimal.NewFromInt(int64(n)), true
	case int16:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(n)), 0), true
	case uint8:
		return decimal.NewFromInt(int64(n)), true
	case uint16:
		return decimal.NewFromInt(int64(n)), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(n), 0), true
	case float32:
		if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat32(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	case decimal.Decimal:
		return n, true
	case *big.Int:
		return decimal.NewFromBigInt(n, 0), true
	case json.Number:
		d, err := decimal.NewFromString(string(n))
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	}
	return decimal.Decimal{}, false
}

// toDateTime puts both DATE_TIME representations on the same calendar.
// time.Time values are compared on their UTC fields.
func toDateTime(v any) civil.DateTime {
	switch t := v.(type) {
	case time.Time:
		return civil.DateTimeOf(t.UTC())
	case civil.DateTime:
		return t
	}
	return civil.DateTime{}
}
