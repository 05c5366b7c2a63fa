package mask

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
	"github.com/batchatco/go-native-netcdf/netcdf/cdf"
	"github.com/rs/zerolog"
)

// MaskedPrefix is prepended to the file name of masked artifacts.
const MaskedPrefix = "masked_"

// MaskedPath returns the masked artifact path for path, in the same
// directory.
func MaskedPath(path string) string {
	return filepath.Join(filepath.Dir(path), MaskedPrefix+filepath.Base(path))
}

// FileMasker masks netCDF files with a fixed spec.
type FileMasker struct {
	spec   Spec
	logger zerolog.Logger
}

// NewFileMasker validates spec and returns a masker.
func NewFileMasker(spec Spec, logger zerolog.Logger) (*FileMasker, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &FileMasker{spec: spec, logger: logger.With().Str("component", "mask").Logger()}, nil
}

// MaskFile writes the masked copy of src to MaskedPath(src) and returns
// that path.
func (m *FileMasker) MaskFile(src string) (string, error) {
	dst, cells, err := MaskFile(src, m.spec)
	if err != nil {
		return "", err
	}
	m.logger.Debug().Str("src", src).Str("dst", dst).Int("cells", cells).Msg("File masked")
	return dst, nil
}

// MaskFile reads the netCDF file src, masks every variable whose last two
// dimensions are spec.Dims and writes the result to MaskedPath(src). A
// zero-byte file left at the destination by an earlier failed write is
// removed first. It returns the destination and the number of cells set to
// the fill value.
func MaskFile(src string, spec Spec) (string, int, error) {
	if err := spec.Validate(); err != nil {
		return "", 0, err
	}

	nc, err := netcdf.Open(src)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer nc.Close()

	dst := MaskedPath(src)
	if err := removeEmpty(dst); err != nil {
		return "", 0, err
	}

	tmp := dst + ".tmp"
	_ = os.Remove(tmp)
	cw, err := cdf.OpenWriter(tmp)
	if err != nil {
		return "", 0, fmt.Errorf("create %s: %w", dst, err)
	}
	defer os.Remove(tmp)

	cells, err := copyMasked(nc, cw, spec)
	if cerr := cw.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("mask %s: %w", src, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", 0, fmt.Errorf("move masked file into place: %w", err)
	}
	return dst, cells, nil
}

// varWriter is the part of the netCDF writer masking needs.
type varWriter interface {
	AddAttributes(attrs api.AttributeMap) error
	AddVar(name string, vr api.Variable) error
}

func copyMasked(nc api.Group, cw varWriter, spec Spec) (int, error) {
	if attrs := nc.Attributes(); attrs != nil && len(attrs.Keys()) > 0 {
		if err := cw.AddAttributes(attrs); err != nil {
			return 0, fmt.Errorf("global attributes: %w", err)
		}
	}

	cells := 0
	for _, name := range nc.ListVariables() {
		vr, err := nc.GetVariable(name)
		if err != nil {
			return cells, fmt.Errorf("read %s: %w", name, err)
		}
		if onGrid(vr.Dimensions, spec.Dims) {
			n, err := Values(vr.Values, spec)
			if err != nil {
				return cells, fmt.Errorf("%s: %w", name, err)
			}
			cells += n
		}
		if err := cw.AddVar(name, *vr); err != nil {
			return cells, fmt.Errorf("write %s: %w", name, err)
		}
	}
	return cells, nil
}

func onGrid(dims []string, grid [2]string) bool {
	n := len(dims)
	return n >= 2 && dims[n-2] == grid[0] && dims[n-1] == grid[1]
}

func removeEmpty(path string) error {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove empty leftover %s: %w", path, err)
		}
	}
	return nil
}

// LoadSpec builds a Spec from a two-dimensional variable of a netCDF file.
// Non-zero (or true) cells are kept.
func LoadSpec(path, variable string, fill int64) (Spec, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return Spec{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer nc.Close()

	vr, err := nc.GetVariable(variable)
	if err != nil {
		return Spec{}, fmt.Errorf("read %s: %w", variable, err)
	}
	if len(vr.Dimensions) != 2 {
		return Spec{}, fmt.Errorf("%w: %s has %d dimensions, want 2", ErrInvalidSpec, variable, len(vr.Dimensions))
	}

	spec := Spec{Dims: [2]string{vr.Dimensions[0], vr.Dimensions[1]}, Fill: fill}
	rv := reflect.ValueOf(vr.Values)
	if rv.Kind() != reflect.Slice || rv.Len() == 0 || rv.Index(0).Kind() != reflect.Slice {
		return Spec{}, fmt.Errorf("%w: %s is not a grid", ErrInvalidSpec, variable)
	}
	spec.Rows, spec.Cols = rv.Len(), rv.Index(0).Len()
	spec.Keep = make([]bool, 0, spec.Rows*spec.Cols)
	for r := 0; r < spec.Rows; r++ {
		row := rv.Index(r)
		if row.Len() != spec.Cols {
			return Spec{}, fmt.Errorf("%w: ragged row %d", ErrInvalidSpec, r)
		}
		for c := 0; c < spec.Cols; c++ {
			keep, err := nonZero(row.Index(c))
			if err != nil {
				return Spec{}, err
			}
			spec.Keep = append(spec.Keep, keep)
		}
	}
	return spec, spec.Validate()
}

func nonZero(v reflect.Value) (bool, error) {
	switch v.Kind() {
	case reflect.Bool:
		return v.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() != 0, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() != 0, nil
	case reflect.Float32, reflect.Float64:
		return v.Float() != 0, nil
	default:
		return false, fmt.Errorf("%w: mask cell of kind %s", ErrUnsupportedType, v.Kind())
	}
}
