// Package mask blanks out grid cells of gridded variables while keeping the
// variable's element type.
//
// A Spec holds a Rows x Cols keep-grid over two named dimensions. Cells not
// kept are set to the fill value. The fill must be representable in the
// variable's element type; values are never widened to make it fit, so an
// int16 variable stays int16 on disk.
package mask

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrFillOutOfRange is returned when the fill value cannot be stored in
	// the variable's element type.
	ErrFillOutOfRange = errors.New("mask: fill value out of range for element type")

	// ErrShapeMismatch is returned when values do not tile the mask grid.
	ErrShapeMismatch = errors.New("mask: values do not match mask shape")

	// ErrInvalidSpec is returned by Spec.Validate.
	ErrInvalidSpec = errors.New("mask: invalid spec")

	// ErrUnsupportedType is returned for non-numeric variables.
	ErrUnsupportedType = errors.New("mask: unsupported element type")
)

// DefaultFill is the fill used for packed int16 reanalysis variables.
const DefaultFill = -32767

// Spec describes which cells of a grid to keep.
type Spec struct {
	// Dims are the names of the row and column dimensions, e.g.
	// {"latitude", "longitude"}.
	Dims [2]string

	Rows int
	Cols int

	// Keep is row-major with Rows*Cols entries.
	Keep []bool

	Fill int64
}

// Validate checks the grid dimensions.
func (s Spec) Validate() error {
	if s.Dims[0] == "" || s.Dims[1] == "" {
		return fmt.Errorf("%w: dimension names are required", ErrInvalidSpec)
	}
	if s.Rows <= 0 || s.Cols <= 0 {
		return fmt.Errorf("%w: grid %dx%d", ErrInvalidSpec, s.Rows, s.Cols)
	}
	if len(s.Keep) != s.Rows*s.Cols {
		return fmt.Errorf("%w: %d keep cells for a %dx%d grid", ErrInvalidSpec, len(s.Keep), s.Rows, s.Cols)
	}
	return nil
}

// Kept returns the number of kept cells.
func (s Spec) Kept() int {
	n := 0
	for _, k := range s.Keep {
		if k {
			n++
		}
	}
	return n
}

// Number is an element type a gridded variable can have.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// FillAs converts fill to T, failing when T cannot hold it exactly.
func FillAs[T Number](fill int64) (T, error) {
	v := T(fill)
	if int64(v) != fill || (fill < 0) != (v < 0) {
		var zero T
		return zero, fmt.Errorf("%w: %d as %T", ErrFillOutOfRange, fill, zero)
	}
	return v, nil
}

// Apply masks values in place. values holds whole Rows x Cols planes in
// row-major order, one after another. It returns the number of cells set
// to the fill value.
func Apply[T Number](values []T, spec Spec) (int, error) {
	return applyAt(values, spec, 0)
}

// applyAt masks values whose first element sits at offset within a plane.
func applyAt[T Number](values []T, spec Spec, offset int) (int, error) {
	fill, err := FillAs[T](spec.Fill)
	if err != nil {
		return 0, err
	}
	plane := len(spec.Keep)
	if plane == 0 || (offset == 0 && len(values)%plane != 0) {
		return 0, fmt.Errorf("%w: %d values for %d cells", ErrShapeMismatch, len(values), plane)
	}

	n := 0
	for i := range values {
		if !spec.Keep[(offset+i)%plane] {
			values[i] = fill
			n++
		}
	}
	return n, nil
}

// ApplyAny masks a flat numeric slice of any supported element type.
func ApplyAny(values any, spec Spec) (int, error) {
	return applyAnyAt(values, spec, 0)
}

func applyAnyAt(values any, spec Spec, offset int) (int, error) {
	switch v := values.(type) {
	case []int8:
		return applyAt(v, spec, offset)
	case []int16:
		return applyAt(v, spec, offset)
	case []int32:
		return applyAt(v, spec, offset)
	case []int64:
		return applyAt(v, spec, offset)
	case []uint8:
		return applyAt(v, spec, offset)
	case []uint16:
		return applyAt(v, spec, offset)
	case []uint32:
		return applyAt(v, spec, offset)
	case []uint64:
		return applyAt(v, spec, offset)
	case []float32:
		return applyAt(v, spec, offset)
	case []float64:
		return applyAt(v, spec, offset)
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedType, values)
	}
}

// Values masks a variable's values in place. v is either a flat slice of
// whole planes or nested slices ([]...[][]T) whose two innermost levels are
// Rows x Cols.
func Values(v any, spec Spec) (int, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	if rv.Type().Elem().Kind() != reflect.Slice {
		return ApplyAny(v, spec)
	}

	if err := checkFill(leafType(rv.Type()), spec.Fill); err != nil {
		return 0, err
	}
	return applyPlanes(rv, spec)
}

func applyPlanes(rv reflect.Value, spec Spec) (int, error) {
	if rv.Type().Elem().Elem().Kind() == reflect.Slice {
		total := 0
		for i := 0; i < rv.Len(); i++ {
			n, err := applyPlanes(rv.Index(i), spec)
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	}

	// rv is one [][]T plane.
	if rv.Len() != spec.Rows {
		return 0, fmt.Errorf("%w: %d rows, want %d", ErrShapeMismatch, rv.Len(), spec.Rows)
	}
	total := 0
	for r := 0; r < rv.Len(); r++ {
		row := rv.Index(r)
		if row.Len() != spec.Cols {
			return total, fmt.Errorf("%w: row %d has %d cells, want %d", ErrShapeMismatch, r, row.Len(), spec.Cols)
		}
		n, err := applyAnyAt(row.Interface(), spec, r*spec.Cols)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func leafType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Slice {
		t = t.Elem()
	}
	return t
}

// checkFill reports ErrFillOutOfRange before any cell is touched.
func checkFill(t reflect.Type, fill int64) error {
	var err error
	switch t.Kind() {
	case reflect.Int8:
		_, err = FillAs[int8](fill)
	case reflect.Int16:
		_, err = FillAs[int16](fill)
	case reflect.Int32:
		_, err = FillAs[int32](fill)
	case reflect.Int64:
		_, err = FillAs[int64](fill)
	case reflect.Uint8:
		_, err = FillAs[uint8](fill)
	case reflect.Uint16:
		_, err = FillAs[uint16](fill)
	case reflect.Uint32:
		_, err = FillAs[uint32](fill)
	case reflect.Uint64:
		_, err = FillAs[uint64](fill)
	case reflect.Float32:
		_, err = FillAs[float32](fill)
	case reflect.Float64:
		_, err = FillAs[float64](fill)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	return err
}
