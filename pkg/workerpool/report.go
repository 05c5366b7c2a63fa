package workerpool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ReportTimeLayout formats Report.CreatedTime.
const ReportTimeLayout = "2006-01-02 15:04:05.000000"

// Report is the failure report written once per run. Units and Errors are
// parallel lists. Fields are declared in key order so the encoded document
// is sorted.
type Report struct {
	CreatedTime string   `json:"created_time"`
	Errors      []string `json:"errors"`
	Units       []string `json:"units"`
}

// NewReport builds a report from the ledger contents.
func NewReport(ledger *Ledger, createdAt time.Time) Report {
	records := ledger.Snapshot()
	r := Report{
		CreatedTime: createdAt.Format(ReportTimeLayout),
		Errors:      make([]string, 0, len(records)),
		Units:       make([]string, 0, len(records)),
	}
	for _, rec := range records {
		r.Units = append(r.Units, rec.Unit)
		r.Errors = append(r.Errors, rec.Error)
	}
	return r
}

// Len returns the number of failed units in the report.
func (r Report) Len() int { return len(r.Units) }

// WriteReport writes the ledger to path as indented JSON, creating parent
// directories. It writes even when the ledger is empty. The file is
// replaced atomically.
func WriteReport(path string, ledger *Ledger, createdAt time.Time) error {
	data, err := json.MarshalIndent(NewReport(ledger, createdAt), "", "    ")
	if err != nil {
		return fmt.Errorf("encode failure report: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write failure report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write failure report: %w", err)
	}
	return nil
}

// LoadReport reads a report written by WriteReport.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read failure report: %w", err)
	}

	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse failure report: %w", err)
	}
	if len(r.Units) != len(r.Errors) {
		return nil, fmt.Errorf("parse failure report: %d units but %d errors", len(r.Units), len(r.Errors))
	}
	return &r, nil
}
