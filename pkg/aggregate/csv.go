package aggregate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
)

// ReadCSV parses a CSV document with a header row. Empty cells become nil;
// other cells stay strings. Columns keep the header order.
func ReadCSV(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &Dataset{Columns: []string{}, Records: []Record{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	ds := &Dataset{Columns: header, Records: make([]Record, 0)}
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		rec := make(Record, len(header))
		for i, col := range header {
			if row[i] == "" {
				rec[col] = nil
			} else {
				rec[col] = row[i]
			}
		}
		ds.Records = append(ds.Records, rec)
	}
	return ds, nil
}
