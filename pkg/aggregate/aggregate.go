// Package aggregate merges per-unit record batches into one dataset with a
// column union, an optional row filter and an optional stable sort key.
package aggregate

import (
	"sort"
)

// Record is one row keyed by column name. Values are JSON-decoded scalars
// (string, float64, bool, nil) or anything the source produces.
type Record map[string]any

// Options control how parts are merged.
type Options struct {
	// Filter drops records for which it returns false. Nil keeps all.
	Filter Predicate

	// SortKey, when set, stable-sorts the merged records by that field and
	// becomes the dataset index.
	SortKey string
}

// Dataset is the merged, tabular result of a run.
type Dataset struct {
	// Columns is the union of all record keys, sorted alphabetically.
	Columns []string

	Records []Record

	// Index names the field the records are ordered by, or "".
	Index string
}

// Aggregate merges parts in the order given. The filter runs per part before
// merging; with no SortKey the input order is preserved.
func Aggregate(parts [][]Record, opts Options) *Dataset {
	ds := &Dataset{Records: make([]Record, 0)}
	columns := make(map[string]struct{})

	for _, part := range parts {
		for _, rec := range part {
			if opts.Filter != nil && !opts.Filter(rec) {
				continue
			}
			for k := range rec {
				columns[k] = struct{}{}
			}
			ds.Records = append(ds.Records, rec)
		}
	}

	ds.Columns = make([]string, 0, len(columns))
	for k := range columns {
		ds.Columns = append(ds.Columns, k)
	}
	sort.Strings(ds.Columns)

	if opts.SortKey != "" {
		ds.SortBy(opts.SortKey)
	}
	return ds
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Records)
}

// SortBy stable-sorts records by field and sets Index.
func (d *Dataset) SortBy(field string) {
	sort.SliceStable(d.Records, func(i, j int) bool {
		return Compare(d.Records[i][field], d.Records[j][field]) < 0
	})
	d.Index = field
}

// Rows projects records onto columns. Missing fields become nil. A nil
// columns slice projects onto d.Columns.
func (d *Dataset) Rows(columns []string) [][]any {
	if columns == nil {
		columns = d.Columns
	}
	rows := make([][]any, 0, len(d.Records))
	for _, rec := range d.Records {
		row := make([]any, len(columns))
		for i, c := range columns {
			row[i] = rec[c]
		}
		rows = append(rows, row)
	}
	return rows
}

// Max returns the largest non-nil value of field under Compare.
func (d *Dataset) Max(field string) (any, bool) {
	var best any
	found := false
	for _, rec := range d.Records {
		v, ok := rec[field]
		if !ok || v == nil {
			continue
		}
		if !found || Compare(v, best) > 0 {
			best = v
			found = true
		}
	}
	return best, found
}

// Append adds the records of other, extending the column union.
func (d *Dataset) Append(other *Dataset) {
	if other == nil {
		return
	}
	merged := Aggregate([][]Record{d.Records, other.Records}, Options{SortKey: d.Index})
	d.Columns = merged.Columns
	d.Records = merged.Records
}
