package workerpool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLedger_ConcurrentRecord(t *testing.T) {
	l := NewLedger()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Record(fmt.Sprintf("u%d", i), errors.New("x"))
		}(i)
	}
	wg.Wait()

	if l.Len() != 100 {
		t.Errorf("Len() = %d, want 100", l.Len())
	}
	if len(l.Units()) != 100 {
		t.Errorf("Units() length = %d, want 100", len(l.Units()))
	}
}

func TestLedger_NilError(t *testing.T) {
	l := NewLedger()
	l.Record("u1", nil)

	recs := l.Snapshot()
	if len(recs) != 1 {
		t.Fatalf("Len() = %d, want 1", len(recs))
	}
	if recs[0].Error != "unknown error" {
		t.Errorf("Error = %q, want %q", recs[0].Error, "unknown error")
	}
}

func TestLedger_NilReceiver(t *testing.T) {
	var l *Ledger
	l.Record("u", errors.New("x"))
	if l.Len() != 0 || l.Snapshot() != nil {
		t.Error("nil ledger should be empty")
	}
}

func TestLedger_SnapshotIsCopy(t *testing.T) {
	l := NewLedger()
	l.Record("a", errors.New("x"))
	snap := l.Snapshot()
	snap[0].Unit = "changed"

	if l.Snapshot()[0].Unit != "a" {
		t.Error("Snapshot should not alias ledger storage")
	}
}

func TestLedger_Merge(t *testing.T) {
	a, b := NewLedger(), NewLedger()
	a.Record("a", errors.New("x"))
	b.Record("b1", errors.New("y"))
	b.Record("b2", errors.New("z"))

	a.Merge(b)
	a.Merge(a)

	if got := strings.Join(a.Units(), ","); got != "a,b1,b2" {
		t.Errorf("Units() = %s, want a,b1,b2", got)
	}
}

func TestReport_WriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "failed_request.json")
	created := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	l := NewLedger()
	l.Record("page=3&size=1000", errors.New("timeout"))
	l.Record("page=7&size=1000", errors.New("status 502"))

	if err := WriteReport(path, l, created); err != nil {
		t.Fatalf("WriteReport() error = %v", err)
	}

	r, err := LoadReport(path)
	if err != nil {
		t.Fatalf("LoadReport() error = %v", err)
	}
	if r.CreatedTime != "2024-03-01 12:30:00.000000" {
		t.Errorf("CreatedTime = %q", r.CreatedTime)
	}
	if r.Len() != 2 || r.Units[1] != "page=7&size=1000" || r.Errors[1] != "status 502" {
		t.Errorf("report = %+v", r)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	ci := strings.Index(string(data), "created_time")
	ei := strings.Index(string(data), "errors")
	ui := strings.Index(string(data), "units")
	if !(ci < ei && ei < ui) {
		t.Errorf("report keys not sorted:\n%s", data)
	}
}

func TestReport_EmptyLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failed.json")
	if err := WriteReport(path, NewLedger(), time.Now()); err != nil {
		t.Fatalf("WriteReport() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"units": []`) {
		t.Errorf("empty report should contain an empty units list:\n%s", data)
	}
}

func TestLoadReport_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"invalid json", "{"},
		{"mismatched lists", `{"created_time":"x","units":["a","b"],"errors":["e"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadReport(path); err == nil {
				t.Error("LoadReport() expected error")
			}
		})
	}

	if _, err := LoadReport(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("LoadReport() on missing file expected error")
	}
}
