package value

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// maxFormattedBytes caps the hex rendering of BYTES values
const maxFormattedBytes = 32

// Format renders raw for human-readable output
func Format(raw any) string {
	v := normalize(raw)
	if v == nil {
		return "NULL"
	}

	switch classify(v) {
	case Number:
		if d, ok := toDecimal(v); ok {
			return d.String()
		}
		return strconv.FormatFloat(toFloat(v), 'g', -1, 64)
	case Text:
		return v.(string)
	case Boolean:
		return strconv.FormatBool(v.(bool))
	case Bytes:
		b := v.([]byte)
		if len(b) > maxFormattedBytes {
			return fmt.Sprintf("0x%s... (%d bytes)", hex.EncodeToString(b[:maxFormattedBytes]), len(b))
		}
		return "0x" + hex.EncodeToString(b)
	case UUID:
		return v.(uuid.UUID).String()
	case Date:
		return v.(civil.Date).String()
	case Time:
		return v.(civil.Time).String()
	case DateTime:
		if t, ok := v.(time.Time); ok {
			return t.Format(time.RFC3339Nano)
		}
		return v.(civil.DateTime).String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Export converts raw into a value that encoding/json renders faithfully:
// numbers become json.Number, temporal and UUID values become strings.
func Export(raw any) any {
	v := normalize(raw)
	if v == nil {
		return nil
	}

	switch n := v.(type) {
	case decimal.Decimal:
		return json.Number(n.String())
	case *big.Int:
		return json.Number(n.String())
	case uint64:
		return json.Number(strconv.FormatUint(n, 10))
	case float32, float64:
		// encoding/json rejects NaN and infinities
		if _, ok := toDecimal(n); !ok {
			return strconv.FormatFloat(toFloat(n), 'g', -1, 64)
		}
		return n
	case uuid.UUID:
		return n.String()
	case civil.Date:
		return n.String()
	case civil.Time:
		return n.String()
	case civil.DateTime:
		return n.String()
	case time.Time:
		return n.Format(time.RFC3339Nano)
	}
	return v
}
