package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/bulk-ingest/internal/testutil"
	"github.com/Sternrassler/bulk-ingest/pkg/client"
)

func newTestClient(t *testing.T, mock *testutil.MockArchive) *Client {
	t.Helper()
	httpCfg := client.DefaultConfig("bulk-ingest-test/1.0")
	httpCfg.Retry = client.FixedRetryPolicy(client.RetryConfig{
		MaxAttempts:       1,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1,
	})
	c, err := New(Config{
		URL:          mock.URL(),
		Key:          "1234:abcd-ef",
		Dataset:      "reanalysis-era5-single-levels",
		PollInterval: time.Millisecond,
	}, httpCfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	httpCfg := client.DefaultConfig("test")
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing url", Config{Key: "1:k", Dataset: "d"}},
		{"missing dataset", Config{URL: "http://x", Key: "1:k"}},
		{"key without uid", Config{URL: "http://x", Key: "abc", Dataset: "d"}},
		{"empty key part", Config{URL: "http://x", Key: "1:", Dataset: "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, httpCfg, zerolog.Nop()); err == nil {
				t.Error("New() expected error")
			}
		})
	}
}

func TestClient_Retrieve(t *testing.T) {
	mock := testutil.NewMockArchive()
	defer mock.Close()
	mock.PollsBeforeComplete = 2

	c := newTestClient(t, mock)
	req := Request{Variable: "2m_temperature", Date: "2023-07-01", Params: map[string]any{"format": "netcdf"}}
	dst := filepath.Join(t.TempDir(), req.Filename())

	ret, err := c.Retrieve(context.Background(), req, dst)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if ret.State != StateCompleted || ret.RequestID != "req-1" || ret.Path != dst {
		t.Errorf("Retrieval = %+v", ret)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "artifact 2m_temperature_t_2023-07-01" || ret.Bytes != int64(len(data)) {
		t.Errorf("downloaded %q (%d bytes)", data, ret.Bytes)
	}

	if mock.Username != "1234" || mock.Password != "abcd-ef" {
		t.Errorf("basic auth = %s:%s", mock.Username, mock.Password)
	}
	if got := mock.Submitted[0]["format"]; got != "netcdf" {
		t.Errorf("submitted format = %v", got)
	}
}

func TestClient_RetrieveFailed(t *testing.T) {
	mock := testutil.NewMockArchive()
	defer mock.Close()
	mock.FailKey("tp_t_03-2021", "no data for period")

	c := newTestClient(t, mock)
	dst := filepath.Join(t.TempDir(), "tp.nc")
	ret, err := c.Retrieve(context.Background(), Request{Variable: "tp", Month: 3, Year: 2021}, dst)
	if !errors.Is(err, ErrRetrievalFailed) {
		t.Fatalf("Retrieve() error = %v, want ErrRetrievalFailed", err)
	}
	if ret == nil || ret.State != StateFailed {
		t.Errorf("Retrieval = %+v, want failed state", ret)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("failed retrieval left a file behind")
	}
}

func TestClient_RetrieveInvalid(t *testing.T) {
	mock := testutil.NewMockArchive()
	defer mock.Close()

	_, err := newTestClient(t, mock).Retrieve(context.Background(), Request{Variable: "tp"}, filepath.Join(t.TempDir(), "x.nc"))
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Retrieve() error = %v, want ErrInvalidRequest", err)
	}
	if mock.SubmittedCount() != 0 {
		t.Error("invalid request was submitted")
	}
}

func TestClient_RetrieveCancelled(t *testing.T) {
	mock := testutil.NewMockArchive()
	defer mock.Close()
	mock.PollsBeforeComplete = 1000

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := newTestClient(t, mock).Retrieve(ctx, Request{Variable: "tp", Date: "2023-01-01"}, filepath.Join(t.TempDir(), "x.nc"))
	if err == nil {
		t.Fatal("Retrieve() expected error after cancellation")
	}
}
