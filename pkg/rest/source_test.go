package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulk-ingest/internal/testutil"
	"github.com/Sternrassler/bulk-ingest/pkg/aggregate"
	"github.com/Sternrassler/bulk-ingest/pkg/client"
	"github.com/Sternrassler/bulk-ingest/pkg/pagination"
	"github.com/Sternrassler/bulk-ingest/pkg/watermark"
	"github.com/Sternrassler/bulk-ingest/pkg/workerpool"
)

var noRetry = client.FixedRetryPolicy(client.RetryConfig{
	MaxAttempts:       1,
	InitialBackoff:    time.Millisecond,
	MaxBackoff:        time.Millisecond,
	BackoffMultiplier: 1,
})

func makeRecords(n int) []map[string]any {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records := make([]map[string]any, n)
	for i := range records {
		records[i] = map[string]any{
			"id":          i,
			"device":      fmt.Sprintf("dev-%d", i%3),
			"record_time": watermark.New(base.Add(time.Duration(i) * time.Minute)).String(),
			"value":       float64(i) / 2,
		}
	}
	return records
}

func newTestSource(t *testing.T, mock *testutil.MockSource, pageSize int) *Source {
	t.Helper()
	ccfg := client.DefaultConfig("bulk-ingest-test/1.0")
	ccfg.Retry = noRetry
	ccfg.Headers = map[string]string{"Authorization": "secret"}
	c, err := client.New(ccfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.BaseURL = mock.URL()
	cfg.PageSize = pageSize
	src, err := New(c, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return src
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) { c.BaseURL = "http://example.com" }, false},
		{"missing base url", func(c *Config) {}, true},
		{"missing data field", func(c *Config) { c.BaseURL = "http://x"; c.DataField = "" }, true},
		{"zero page size", func(c *Config) { c.BaseURL = "http://x"; c.PageSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSource_URL(t *testing.T) {
	mock := testutil.NewMockSource(nil)
	defer mock.Close()
	src := newTestSource(t, mock, 1000)

	since := watermark.MustParse("2024-02-01T10:00:00.000Z")
	u, err := url.Parse(src.URL(1000, 3, since))
	if err != nil {
		t.Fatal(err)
	}

	if u.Path != "/api/data" {
		t.Errorf("path = %s, want /api/data", u.Path)
	}
	q := u.Query()
	want := map[string]string{
		"sortOrder":   "asc",
		"sortField":   "record_time",
		"pageSize":    "1000",
		"pageNumber":  "3",
		"filterStart": "2024-02-01T10:00:00.000Z",
	}
	for k, v := range want {
		if q.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, q.Get(k), v)
		}
	}

	u, _ = url.Parse(src.URL(10, 0, watermark.Watermark{}))
	if u.Query().Has("filterStart") {
		t.Error("zero watermark should not set filterStart")
	}
}

func TestSource_Count(t *testing.T) {
	mock := testutil.NewMockSource(makeRecords(25))
	defer mock.Close()
	src := newTestSource(t, mock, 10)

	n, err := src.Count(context.Background(), watermark.Watermark{})
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 25 {
		t.Errorf("Count() = %d, want 25", n)
	}

	// Records are one minute apart, so the tenth starts at 00:10.
	n, err = src.Count(context.Background(), watermark.MustParse("2024-01-01T00:10:00.000Z"))
	if err != nil {
		t.Fatalf("Count(since) error = %v", err)
	}
	if n != 15 {
		t.Errorf("Count(since) = %d, want 15", n)
	}

	if got := mock.LastRequestHeader.Get("Authorization"); got != "secret" {
		t.Errorf("Authorization header = %q, want secret", got)
	}
}

func TestSource_CountErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		wantErr error
	}{
		{"missing count", `{"samples": []}`, http.StatusOK, ErrMalformedPayload},
		{"non numeric count", `{"count": "many", "samples": []}`, http.StatusOK, ErrMalformedPayload},
		{"negative count", `{"count": -3, "samples": []}`, http.StatusOK, ErrMalformedPayload},
		{"not an object", `null`, http.StatusOK, ErrMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockSource(nil)
			defer mock.Close()
			mock.SetResponse("/api/data", testutil.MockResponse{StatusCode: tt.status, Body: tt.body})

			_, err := newTestSource(t, mock, 10).Count(context.Background(), watermark.Watermark{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Count() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSource_CountServerError(t *testing.T) {
	mock := testutil.NewMockSource(makeRecords(5))
	defer mock.Close()
	mock.FailCount(http.StatusServiceUnavailable)

	_, err := newTestSource(t, mock, 10).Count(context.Background(), watermark.Watermark{})
	if client.StatusOf(err) != http.StatusServiceUnavailable {
		t.Errorf("Count() error = %v, want status 503", err)
	}
}

func TestSource_FetchPage(t *testing.T) {
	mock := testutil.NewMockSource(makeRecords(25))
	defer mock.Close()
	src := newTestSource(t, mock, 10)

	pages, err := pagination.Enumerate(25, src.PageSize(), watermark.Watermark{})
	if err != nil {
		t.Fatal(err)
	}

	total := 0
	for _, p := range pages {
		records, err := src.FetchPage(context.Background(), p)
		if err != nil {
			t.Fatalf("FetchPage(%d) error = %v", p.Number, err)
		}
		if len(records) != p.Limit {
			t.Errorf("page %d: %d records, want %d", p.Number, len(records), p.Limit)
		}
		total += len(records)
	}
	if total != 25 {
		t.Errorf("fetched %d records, want 25", total)
	}
}

func TestSource_FetchPageKeepsNumbers(t *testing.T) {
	mock := testutil.NewMockSource(makeRecords(3))
	defer mock.Close()
	src := newTestSource(t, mock, 10)

	records, err := src.FetchPage(context.Background(), pagination.PageDescriptor{Size: 10, Limit: 3})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := records[1]["value"].(json.Number); !ok {
		t.Errorf("value decoded as %T, want json.Number", records[1]["value"])
	}
}

func TestSource_FetchPageMissingData(t *testing.T) {
	mock := testutil.NewMockSource(nil)
	defer mock.Close()
	mock.SetResponse("/api/data", testutil.MockResponse{StatusCode: http.StatusOK, Body: `{"count": 4}`})

	_, err := newTestSource(t, mock, 10).FetchPage(context.Background(), pagination.PageDescriptor{Size: 10, Limit: 4})
	if !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("FetchPage() error = %v, want ErrMalformedPayload", err)
	}
}

func TestSource_FetchPagesWithFailure(t *testing.T) {
	mock := testutil.NewMockSource(makeRecords(50))
	defer mock.Close()
	mock.FailPage(2, http.StatusBadGateway)
	src := newTestSource(t, mock, 10)

	pages, err := pagination.Enumerate(50, 10, watermark.Watermark{})
	if err != nil {
		t.Fatal(err)
	}

	fetcher := pagination.NewBatchFetcher[[]aggregate.Record](src, workerpool.Config{MaxWorkers: 2}, zerolog.Nop())
	batch, ledger := fetcher.FetchPages(context.Background(), pages)

	if batch.Len() != 4 || ledger.Len() != 1 {
		t.Fatalf("got %d pages and %d failures, want 4 and 1", batch.Len(), ledger.Len())
	}
	if client.StatusOf(ledger.Snapshot()[0].Err()) != http.StatusBadGateway {
		t.Errorf("failure = %v, want status 502", ledger.Snapshot()[0].Err())
	}
}

func TestSource_FetchCollection(t *testing.T) {
	mock := testutil.NewMockSource(nil)
	defer mock.Close()
	mock.SetDevices([]map[string]any{{"id": "a"}, {"id": "b"}})

	devices, err := newTestSource(t, mock, 10).FetchCollection(context.Background(), "/api/devices", "devices")
	if err != nil {
		t.Fatalf("FetchCollection() error = %v", err)
	}
	if len(devices) != 2 || devices[1]["id"] != "b" {
		t.Errorf("devices = %v", devices)
	}
}
