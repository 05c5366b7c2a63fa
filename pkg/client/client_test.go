package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, mutate func(*Config)) *Client {
	t.Helper()
	cfg := DefaultConfig("bulk-ingest-test/1.0")
	cfg.Retry = fastPolicy
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{"valid config", DefaultConfig("app/1.0"), false},
		{"missing user agent", Config{}, true},
		{"negative timeout", Config{UserAgent: "app/1.0", Timeout: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.config, zerolog.Nop())
			if (err != nil) != tt.expectError {
				t.Fatalf("New() error = %v, expectError %v", err, tt.expectError)
			}
			if !tt.expectError && c.config.Retry == nil {
				t.Error("New() should default the retry policy")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("app/1.0")
	if cfg.UserAgent != "app/1.0" {
		t.Errorf("UserAgent = %q", cfg.UserAgent)
	}
	if cfg.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", cfg.Timeout)
	}
	if cfg.Retry == nil {
		t.Error("Retry should be set")
	}
}

func TestClassifyError(t *testing.T) {
	c := newTestClient(t, nil)

	tests := []struct {
		name     string
		status   int
		err      error
		expected ErrorClass
	}{
		{"network error", 0, errors.New("dial tcp: refused"), ErrorClassNetwork},
		{"429 rate limit", 429, nil, ErrorClassRateLimit},
		{"408 timeout", 408, nil, ErrorClassNetwork},
		{"400 client", 400, nil, ErrorClassClient},
		{"404 client", 404, nil, ErrorClassClient},
		{"500 server", 500, nil, ErrorClassServer},
		{"503 server", 503, nil, ErrorClassServer},
		{"200 none", 200, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if tt.err == nil {
				resp = &http.Response{StatusCode: tt.status}
			}
			if got := c.classifyError(resp, tt.err); got != tt.expected {
				t.Errorf("classifyError() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestDo_HeadersSet(t *testing.T) {
	var gotUA, gotAuth, gotAccept, gotCustom string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		gotCustom = r.Header.Get("X-Api-Key")
		user, pass, _ := r.BasicAuth()
		gotAuth = user + ":" + pass
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(t, func(cfg *Config) {
		cfg.Headers = map[string]string{"X-Api-Key": "secret"}
		cfg.Username = "uid"
		cfg.Password = "key"
	})

	resp, err := c.Get(context.Background(), server.URL+"/x")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if gotUA != "bulk-ingest-test/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if gotAccept != "application/json" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if gotCustom != "secret" {
		t.Errorf("X-Api-Key = %q", gotCustom)
	}
	if gotAuth != "uid:key" {
		t.Errorf("basic auth = %q", gotAuth)
	}
}

func TestDo_RetryOnServerError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	c := newTestClient(t, nil)
	resp, err := c.Get(context.Background(), server.URL+"/test")
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 after retry, got %d", resp.StatusCode)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts (2 retries), got %d", attempts)
	}
}

func TestDo_NoRetryOnClientError(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "no such page", http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(t, nil)
	resp, err := c.Get(context.Background(), server.URL+"/test")
	if resp != nil {
		t.Error("Do() should not return a response for 4xx")
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("error = %v, want *HTTPError", err)
	}
	if httpErr.StatusCode != 404 || httpErr.ErrorClass != ErrorClassClient {
		t.Errorf("HTTPError = %+v", httpErr)
	}
	if !strings.Contains(httpErr.Message, "no such page") {
		t.Errorf("Message = %q, want body included", httpErr.Message)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry for 4xx), got %d", attempts)
	}
}

func TestDo_RetryOnRateLimit(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClient(t, nil)
	resp, err := c.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestDo_RetryExhausted(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := newTestClient(t, nil)
	_, err := c.Get(context.Background(), server.URL)

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}
	if StatusOf(err) != http.StatusBadGateway {
		t.Errorf("StatusOf() = %d, want 502", StatusOf(err))
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestDo_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := newTestClient(t, nil)
	_, err := c.Get(context.Background(), url)

	if ClassOf(err) != ErrorClassNetwork {
		t.Errorf("ClassOf() = %q, want network (err %v)", ClassOf(err), err)
	}
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}
}

func TestPostJSON_ReplaysBody(t *testing.T) {
	var attempts int32
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"state":"queued","request_id":"abc"}`))
	}))
	defer server.Close()

	c := newTestClient(t, nil)
	var reply struct {
		State     string `json:"state"`
		RequestID string `json:"request_id"`
	}
	if err := c.PostJSON(context.Background(), server.URL, map[string]string{"variable": "2m_temperature"}, &reply); err != nil {
		t.Fatalf("PostJSON() error = %v", err)
	}

	if reply.State != "queued" || reply.RequestID != "abc" {
		t.Errorf("reply = %+v", reply)
	}
	if len(bodies) != 2 || bodies[0] != bodies[1] || bodies[1] == "" {
		t.Errorf("retried body not replayed: %q", bodies)
	}
}

func TestGetJSON_DecodeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	c := newTestClient(t, nil)
	var v map[string]any
	if err := c.GetJSON(context.Background(), server.URL, &v); err == nil {
		t.Error("GetJSON() expected decode error")
	}
}

func TestDownload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("CDF\x01payload"))
	}))
	defer server.Close()

	dir := t.TempDir()
	c := newTestClient(t, nil)

	dst := filepath.Join(dir, "sub", "t2m_t_2020-01-01.nc")
	n, err := c.Download(context.Background(), server.URL+"/file", dst)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if n != 11 {
		t.Errorf("bytes = %d, want 11", n)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "CDF\x01payload" {
		t.Errorf("file content = %q, %v", data, err)
	}

	missing := filepath.Join(dir, "missing.nc")
	if _, err := c.Download(context.Background(), server.URL+"/missing", missing); err == nil {
		t.Error("Download() of 404 expected error")
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Error("failed download should leave no file behind")
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".part-") {
			t.Errorf("temporary file %s left behind", e.Name())
		}
	}
}
