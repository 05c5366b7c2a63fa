package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// nullMarker is the COPY NULL string. A string value equal to it loads as
// NULL.
const nullMarker = `\N`

// copyCSV streams rows through COPY ... FROM STDIN in CSV format on the
// transaction's connection.
func copyCSV(ctx context.Context, tx pgx.Tx, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	if err := encodeRows(&buf, rows); err != nil {
		return 0, err
	}

	tag, err := tx.Conn().PgConn().CopyFrom(ctx, &buf, copyStatement(table, columns))
	if err != nil {
		return 0, fmt.Errorf("copy: %w", err)
	}
	return tag.RowsAffected(), nil
}

func copyStatement(table string, columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT csv, NULL '%s')",
		pgx.Identifier(strings.Split(table, ".")).Sanitize(),
		strings.Join(quoted, ", "),
		nullMarker)
}

func encodeRows(buf *bytes.Buffer, rows [][]any) error {
	w := csv.NewWriter(buf)
	record := make([]string, 0, 16)
	for i, row := range rows {
		record = record[:0]
		for _, v := range row {
			s, err := FormatValue(v)
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			record = append(record, s)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// FormatValue renders v in a form Postgres accepts for text input. nil
// renders as the COPY NULL marker.
func FormatValue(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return nullMarker, nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return x.String(), nil
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return fmt.Sprint(x), nil
	}
}
