package catalog

// Kind tags a decoded JSON value.
type Kind int

// JSON kinds.
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "null"
	}
}

// Value is one node of a decoded JSON document. The zero Value is null.
// Accessors never fail: a key or index that is absent yields null.
type Value struct {
	raw any
}

// ValueOf wraps a tree produced by encoding/json. Go values json never
// produces are null.
func ValueOf(v any) Value {
	switch t := v.(type) {
	case Meta:
		return Value{raw: map[string]any(t)}
	case Value:
		return t
	}
	return Value{raw: v}
}

// Value returns the document root.
func (m Meta) Value() Value { return ValueOf(m) }

// Kind reports the JSON type of v.
func (v Value) Kind() Kind {
	switch v.raw.(type) {
	case bool:
		return KindBool
	case float64:
		return KindNumber
	case string:
		return KindString
	case []any:
		return KindArray
	case map[string]any:
		return KindObject
	default:
		return KindNull
	}
}

// Get returns the member key of an object.
func (v Value) Get(key string) Value {
	m, _ := v.raw.(map[string]any)
	return ValueOf(m[key])
}

// Items returns the elements of an array.
func (v Value) Items() []Value {
	list, _ := v.raw.([]any)
	out := make([]Value, len(list))
	for i, item := range list {
		out[i] = ValueOf(item)
	}
	return out
}

// Str returns a string value, or "" for any other kind.
func (v Value) Str() string {
	s, _ := v.raw.(string)
	return s
}

// Interface returns the decoded Go value, nil for null.
func (v Value) Interface() any {
	if v.Kind() == KindNull {
		return nil
	}
	return v.raw
}

func arrayOf(vs []Value) Value {
	raw := make([]any, len(vs))
	for i, v := range vs {
		raw[i] = v.Interface()
	}
	return Value{raw: raw}
}
