package workerpool

import (
	"sync"
	"time"
)

// FailureRecord is one failed unit.
type FailureRecord struct {
	Unit       string    `json:"unit"`
	Error      string    `json:"error"`
	ObservedAt time.Time `json:"observed_at"`

	err error
}

// Err returns the original error when the record was built in-process.
func (r FailureRecord) Err() error { return r.err }

// Ledger is an append-only, concurrency-safe collection of failures. It
// lives for one run.
type Ledger struct {
	mu      sync.Mutex
	records []FailureRecord
	now     func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{now: time.Now}
}

// Record appends a failure. It never panics; a nil error is recorded as
// errUnknown so the unit is still accounted for.
func (l *Ledger) Record(unit string, err error) {
	if l == nil {
		return
	}
	if err == nil {
		err = errUnknown
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, FailureRecord{
		Unit:       unit,
		Error:      err.Error(),
		ObservedAt: l.now().UTC(),
		err:        err,
	})
}

// Snapshot returns a copy of the records in observation order.
func (l *Ledger) Snapshot() []FailureRecord {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]FailureRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of recorded failures.
func (l *Ledger) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Units returns the failed unit identifiers in observation order.
func (l *Ledger) Units() []string {
	records := l.Snapshot()
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Unit)
	}
	return out
}

// Merge appends every record of other.
func (l *Ledger) Merge(other *Ledger) {
	if l == nil || other == nil || l == other {
		return
	}
	records := other.Snapshot()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, records...)
}
