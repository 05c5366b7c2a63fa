package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/Sternrassler/bulk-ingest/pkg/aggregate"
	"github.com/Sternrassler/bulk-ingest/pkg/objstore"
)

// Logical column types.
const (
	TypeString  = "string"
	TypeBool    = "bool"
	TypeInt64   = "int64"
	TypeFloat64 = "float64"
)

// Field is one Parquet column.
type Field struct {
	Name string
	Type string
}

// Parquet writes a dataset as Snappy-compressed Parquet. A full run
// replaces <prefix>/data.parquet; each incremental run adds a part under
// <prefix>/incremental/.
type Parquet struct {
	store  objstore.Store
	prefix string
	fields []Field
	logger zerolog.Logger
	now    func() time.Time
}

// NewParquet creates a Parquet exporter. Nil fields are inferred from the
// dataset on every export.
func NewParquet(st objstore.Store, prefix string, fields []Field, logger zerolog.Logger) *Parquet {
	return &Parquet{
		store:  st,
		prefix: prefix,
		fields: fields,
		logger: logger.With().Str("exporter", "parquet").Str("prefix", prefix).Logger(),
		now:    time.Now,
	}
}

// Name identifies the exporter in run summaries.
func (e *Parquet) Name() string { return "parquet:" + e.prefix }

// Key returns the object key an export writes to.
func (e *Parquet) Key(incremental bool, at time.Time) string {
	if !incremental {
		return path.Join(e.prefix, "data.parquet")
	}
	return path.Join(e.prefix, "incremental", "part-"+at.UTC().Format("20060102T150405.000Z")+".parquet")
}

// Export writes ds.
func (e *Parquet) Export(ctx context.Context, ds *aggregate.Dataset, incremental bool) error {
	if incremental && ds.Len() == 0 {
		return nil
	}
	fields := e.fields
	if fields == nil {
		fields = InferFields(ds)
	}

	data, err := Encode(ds, fields)
	if err != nil {
		return err
	}
	key := e.Key(incremental, e.now())
	if err := e.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("export %s: %w", key, err)
	}
	e.logger.Info().Str("key", key).Int("rows", ds.Len()).Int("bytes", len(data)).Msg("Dataset exported")
	return nil
}

// Encode renders ds as a Parquet file with one optional column per field.
func Encode(ds *aggregate.Dataset, fields []Field) ([]byte, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("parquet: no fields")
	}
	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(schemaJSON(fields), pfw, 4)
	if err != nil {
		return nil, fmt.Errorf("parquet: schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i, rec := range ds.Records {
		row := make(map[string]any, len(fields))
		for _, f := range fields {
			v, err := convert(rec[f.Name], f.Type)
			if err != nil {
				_ = pw.WriteStop()
				return nil, fmt.Errorf("parquet: row %d, %s: %w", i, f.Name, err)
			}
			row[f.Name] = v
		}
		line, err := json.Marshal(row)
		if err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("parquet: row %d: %w", i, err)
		}
		if err := pw.Write(string(line)); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("parquet: row %d: %w", i, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("parquet: finish: %w", err)
	}
	_ = pfw.Close()
	return buf.Bytes(), nil
}

func schemaJSON(fields []Field) string {
	cols := make([]map[string]string, 0, len(fields))
	for _, f := range fields {
		cols = append(cols, map[string]string{"Tag": "name=" + f.Name + ", " + physical(f.Type) + ", repetitiontype=OPTIONAL"})
	}
	b, _ := json.Marshal(map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": cols,
	})
	return string(b)
}

func physical(t string) string {
	switch t {
	case TypeBool:
		return "type=BOOLEAN"
	case TypeInt64:
		return "type=INT64"
	case TypeFloat64:
		return "type=DOUBLE"
	default:
		return "type=BYTE_ARRAY, convertedtype=UTF8"
	}
}

// convert coerces v to the JSON shape the writer expects for t.
func convert(v any, t string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(x)
		}
	case TypeInt64:
		switch x := v.(type) {
		case json.Number:
			return x.Int64()
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			return int64(x), nil
		case string:
			return strconv.ParseInt(x, 10, 64)
		}
	case TypeFloat64:
		switch x := v.(type) {
		case json.Number:
			return x.Float64()
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case string:
			return strconv.ParseFloat(x, 64)
		}
	default:
		return cell(v)
	}
	return nil, fmt.Errorf("cannot store %T as %s", v, t)
}

// InferFields picks a type per dataset column from its non-nil values.
// Mixed integer and float columns become float64; any other mix, and
// columns holding only nil, become strings.
func InferFields(ds *aggregate.Dataset) []Field {
	fields := make([]Field, 0, len(ds.Columns))
	for _, c := range ds.Columns {
		typ := ""
		for _, rec := range ds.Records {
			v := rec[c]
			if v == nil {
				continue
			}
			typ = widen(typ, inferType(v))
			if typ == TypeString {
				break
			}
		}
		if typ == "" {
			typ = TypeString
		}
		fields = append(fields, Field{Name: c, Type: typ})
	}
	return fields
}

func widen(have, next string) string {
	switch {
	case have == "" || have == next:
		return next
	case (have == TypeInt64 && next == TypeFloat64) || (have == TypeFloat64 && next == TypeInt64):
		return TypeFloat64
	default:
		return TypeString
	}
}

func inferType(v any) string {
	switch x := v.(type) {
	case bool:
		return TypeBool
	case int, int32, int64:
		return TypeInt64
	case float32, float64:
		return TypeFloat64
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return TypeInt64
		}
		return TypeFloat64
	default:
		return TypeString
	}
}
