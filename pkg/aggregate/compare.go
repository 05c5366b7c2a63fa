package aggregate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Value kinds in sort order.
const (
	kindNil = iota
	kindBool
	kindNumber
	kindTime
	kindString
	kindOther
)

func kindOf(v any) int {
	switch v.(type) {
	case nil:
		return kindNil
	case bool:
		return kindBool
	case time.Time:
		return kindTime
	case string:
		return kindString
	}
	if _, ok := toFloat(v); ok {
		return kindNumber
	}
	return kindOther
}

// Compare orders two field values. Values of different kinds order by kind:
// nil < bool < number < time < string < anything else. Within a kind,
// numbers compare numerically, times chronologically, strings lexically and
// other values by their string form.
func Compare(a, b any) int {
	ka, kb := kindOf(a), kindOf(b)
	if ka != kb {
		return cmpOrdered(ka, kb)
	}

	switch ka {
	case kindNil:
		return 0
	case kindBool:
		return cmpOrdered(boolInt(a.(bool)), boolInt(b.(bool)))
	case kindNumber:
		x, _ := toFloat(a)
		y, _ := toFloat(b)
		return cmpOrdered(x, y)
	case kindTime:
		return a.(time.Time).Compare(b.(time.Time))
	case kindString:
		return cmpOrdered(a.(string), b.(string))
	}
	return cmpOrdered(fmt.Sprint(a), fmt.Sprint(b))
}

// Equal reports whether two values are equal. Numeric kinds compare
// uniformly (int 3 equals float64 3). Non-nil values of different kinds are
// equal when their string forms match, so a filter value "3" from a config
// file matches the number 3.
func Equal(a, b any) bool {
	ka, kb := kindOf(a), kindOf(b)
	if ka == kb {
		return Compare(a, b) == 0
	}
	if ka == kindNil || kb == kindNil {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	}
	return 0, false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func cmpOrdered[T int | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
