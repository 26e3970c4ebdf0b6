package sqlexec

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type kind int

const (
	kindOther kind = iota
	kindInt
	kindFloat
	kindBool
	kindUUID
	kindText // temporal types
	kindUntyped
)

var kindsByType = map[string]kind{
	"INT2":             kindInt,
	"INT4":             kindInt,
	"INT8":             kindInt,
	"SMALLINT":         kindInt,
	"INT":              kindInt,
	"INTEGER":          kindInt,
	"BIGINT":           kindInt,
	"FLOAT4":           kindFloat,
	"FLOAT8":           kindFloat,
	"NUMERIC":          kindFloat,
	"DECIMAL":          kindFloat,
	"REAL":             kindFloat,
	"DOUBLE":           kindFloat,
	"DOUBLE PRECISION": kindFloat,
	"BOOL":             kindBool,
	"BOOLEAN":          kindBool,
	"UUID":             kindUUID,
	"TIMESTAMP":        kindText,
	"TIMESTAMPTZ":      kindText,
	"DATE":             kindText,
	"DATETIME":         kindText,
	"TIME":             kindText,
	"TIMETZ":           kindText,
	"":                 kindUntyped,
}

// kindOf normalises a declared column type such as "numeric(10,2)".
func kindOf(typeName string) kind {
	name := strings.ToUpper(strings.TrimSpace(typeName))
	if i := strings.IndexByte(name, '('); i >= 0 {
		name = strings.TrimSpace(name[:i])
	}
	return kindsByType[name]
}

// convertValue maps one scanned value to a JSON-friendly value based on the
// column's declared type. Values that cannot be represented become nil.
func convertValue(typeName string, v any) any {
	if v == nil {
		return nil
	}

	switch kindOf(typeName) {
	case kindInt:
		if n, ok := toInt64(v); ok {
			return n
		}
		return nil
	case kindFloat:
		return toFloat64(v)
	case kindBool:
		if b, ok := toBool(v); ok {
			return b
		}
		return nil
	case kindUUID:
		return toUUID(v)
	case kindText:
		return toText(v)
	case kindUntyped:
		switch x := v.(type) {
		case int64, float64, bool:
			return x
		}
		return toText(v)
	default:
		return toText(v)
	}
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int32:
		return int64(x), true
	case int16:
		return int64(x), true
	case int:
		return int64(x), true
	case float64:
		if math.IsNaN(x) || x < math.MinInt64 || x >= math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case []byte:
		n, err := strconv.ParseInt(strings.TrimSpace(string(x)), 10, 64)
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// toFloat64 falls back to zero for anything that is not a finite number.
func toFloat64(v any) float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int64:
		f = float64(x)
	case int32:
		f = float64(x)
	case int:
		f = float64(x)
	case []byte:
		f, _ = strconv.ParseFloat(strings.TrimSpace(string(x)), 64)
	case string:
		f, _ = strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case int64:
		return x != 0, true
	case []byte:
		b, err := strconv.ParseBool(string(x))
		return b, err == nil
	case string:
		b, err := strconv.ParseBool(x)
		return b, err == nil
	}
	return false, false
}

// toUUID reads 16 raw bytes as a UUID; anything else is treated as text.
func toUUID(v any) any {
	if x, ok := v.([]byte); ok && len(x) == 16 {
		if id, err := uuid.FromBytes(x); err == nil {
			return id.String()
		}
	}
	return toText(v)
}

func toText(v any) any {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []byte:
		if !utf8.Valid(x) {
			return nil
		}
		return string(x)
	case [16]byte:
		return uuid.UUID(x).String()
	case fmt.Stringer:
		return x.String()
	case int64, int32, int, float64, float32, bool:
		return fmt.Sprint(x)
	}
	return nil
}
