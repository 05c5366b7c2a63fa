package aggregate

import "fmt"

// Predicate selects records. Predicates are built from configuration and
// replace free-form row queries.
type Predicate func(Record) bool

// Equals keeps records whose field equals value.
func Equals(field string, value any) Predicate {
	return func(r Record) bool {
		v, ok := r[field]
		return ok && Equal(v, value)
	}
}

// NotEquals keeps records whose field is absent or differs from value.
func NotEquals(field string, value any) Predicate {
	eq := Equals(field, value)
	return func(r Record) bool { return !eq(r) }
}

// In keeps records whose field equals any of values.
func In(field string, values ...any) Predicate {
	return func(r Record) bool {
		v, ok := r[field]
		if !ok {
			return false
		}
		for _, want := range values {
			if Equal(v, want) {
				return true
			}
		}
		return false
	}
}

// NotNull keeps records where field is present and non-nil.
func NotNull(field string) Predicate {
	return func(r Record) bool {
		v, ok := r[field]
		return ok && v != nil
	}
}

// All keeps records accepted by every predicate. With none it keeps all.
func All(preds ...Predicate) Predicate {
	return func(r Record) bool {
		for _, p := range preds {
			if p != nil && !p(r) {
				return false
			}
		}
		return true
	}
}

// Condition is the configuration form of a predicate.
type Condition struct {
	Field  string `yaml:"field"`
	Op     string `yaml:"op"` // eq, ne, in, notnull
	Value  any    `yaml:"value,omitempty"`
	Values []any  `yaml:"values,omitempty"`
}

// Build combines conditions into one predicate. An empty list returns nil,
// which keeps every record.
func Build(conds []Condition) (Predicate, error) {
	if len(conds) == 0 {
		return nil, nil
	}
	preds := make([]Predicate, 0, len(conds))
	for _, c := range conds {
		if c.Field == "" {
			return nil, fmt.Errorf("filter condition: field is required")
		}
		switch c.Op {
		case "eq", "":
			preds = append(preds, Equals(c.Field, c.Value))
		case "ne":
			preds = append(preds, NotEquals(c.Field, c.Value))
		case "in":
			preds = append(preds, In(c.Field, c.Values...))
		case "notnull":
			preds = append(preds, NotNull(c.Field))
		default:
			return nil, fmt.Errorf("filter condition on %q: unknown op %q", c.Field, c.Op)
		}
	}
	return All(preds...), nil
}
