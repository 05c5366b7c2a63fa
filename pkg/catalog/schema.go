package catalog

import (
	"errors"
	"fmt"
)

// ErrUnknownType is returned for a qudt:dataType without a mapping.
var ErrUnknownType = errors.New("catalog: unknown data type")

// Logical column types derived from XSD data types.
const (
	TypeString    = "string"
	TypeBool      = "bool"
	TypeTimestamp = "timestamp"
	TypeDate      = "date"
	TypeInt64     = "int64"
	TypeFloat64   = "float64"
)

var xsdTypes = map[string]string{
	"xsd:complexType": TypeString,
	"xsd:anyURI":      TypeString,
	"xsd:string":      TypeString,
	"xsd:boolean":     TypeBool,
	"xsd:dateTime":    TypeTimestamp,
	"xsd:date":        TypeDate,
	"xsd:int":         TypeInt64,
	"xsd:float":       TypeFloat64,
}

// Column is one measured variable.
type Column struct {
	Name        string
	Description string
	XSD         string
	Type        string
}

// Schema is the ordered column list of a dataset.
type Schema struct {
	Columns []Column
}

// TimeColumns returns the names of the timestamp columns.
func (s Schema) TimeColumns() []string {
	var out []string
	for _, c := range s.Columns {
		if c.Type == TypeTimestamp {
			out = append(out, c.Name)
		}
	}
	return out
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// Descriptions maps column names to their descriptions.
func (s Schema) Descriptions() map[string]string {
	out := make(map[string]string, len(s.Columns))
	for _, c := range s.Columns {
		out[c.Name] = c.Description
	}
	return out
}

// DeriveSchema reads variableMeasured.
func DeriveSchema(meta Meta) (Schema, error) {
	vars := meta.Value().Get("variableMeasured")
	if vars.Kind() != KindArray {
		return Schema{}, fmt.Errorf("%w: variableMeasured", ErrNotFound)
	}
	items := vars.Items()
	s := Schema{Columns: make([]Column, 0, len(items))}
	for i, v := range items {
		if v.Kind() != KindObject {
			return Schema{}, fmt.Errorf("%w: variableMeasured[%d] is not an object", ErrNotFound, i)
		}
		c := Column{Name: v.Get("name").Str(), Description: v.Get("description").Str(), XSD: v.Get("qudt:dataType").Str()}
		if c.Name == "" {
			return Schema{}, fmt.Errorf("%w: variableMeasured[%d] has no name", ErrNotFound, i)
		}
		var ok bool
		if c.Type, ok = xsdTypes[c.XSD]; !ok {
			return Schema{}, fmt.Errorf("%w: %s: %q", ErrUnknownType, c.Name, c.XSD)
		}
		s.Columns = append(s.Columns, c)
	}
	return s, nil
}
