// Package testutil provides httptest servers that stand in for the remote
// sources in tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockSource is a paginated REST source over an in-memory record set. It
// answers GET /api/data with {"count": N, "samples": [...]}, honouring
// sortField, pageSize, pageNumber and filterStart, and GET /api/devices
// with {"devices": [...]}.
type MockSource struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	records      []map[string]any
	devices      []map[string]any
	failPages    map[int]int
	delayPages   map[int]time.Duration
	historyStart string
	countStatus  int

	// Tracking
	RequestCount      int
	PageRequests      map[int]int
	LastRequestHeader http.Header
}

// NewMockSource starts a mock source serving records. Records are ordered
// by their "record_time" string field.
func NewMockSource(records []map[string]any) *MockSource {
	mock := &MockSource{
		handlers:     make(map[string]func(w http.ResponseWriter, r *http.Request)),
		failPages:    make(map[int]int),
		delayPages:   make(map[int]time.Duration),
		PageRequests: make(map[int]int),
	}
	mock.SetRecords(records)

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastRequestHeader = r.Header.Clone()
		mock.mu.Unlock()

		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		switch r.URL.Path {
		case "/api/data":
			mock.dataHandler(w, r)
		case "/api/devices":
			mock.writeJSON(w, http.StatusOK, map[string]any{"devices": mock.devices})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockSource) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockSource) Close() {
	m.server.Close()
}

// SetRecords replaces the record set.
func (m *MockSource) SetRecords(records []map[string]any) {
	sorted := make([]map[string]any, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, _ := sorted[i]["record_time"].(string)
		b, _ := sorted[j]["record_time"].(string)
		return a < b
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = sorted
}

// SetDevices sets the /api/devices payload.
func (m *MockSource) SetDevices(devices []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = devices
}

// FailPage makes every request for page number fail with status. A status
// of 0 clears the failure.
func (m *MockSource) FailPage(number, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == 0 {
		delete(m.failPages, number)
		return
	}
	m.failPages[number] = status
}

// DelayPage delays responses for page number.
func (m *MockSource) DelayPage(number int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delayPages[number] = d
}

// SetHistoryStart makes count requests whose filterStart is before start
// report zero records, like a source with a limited history window.
func (m *MockSource) SetHistoryStart(start string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyStart = start
}

// FailCount makes count requests (pageSize=1, pageNumber=0) fail with status.
func (m *MockSource) FailCount(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countStatus = status
}

// SetHandler sets a custom handler for a specific path.
func (m *MockSource) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockSource) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockSource) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPageRequests returns how often page number was requested with a
// page size above one.
func (m *MockSource) GetPageRequests(number int) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PageRequests[number]
}

func (m *MockSource) dataHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	size, err := strconv.Atoi(q.Get("pageSize"))
	if err != nil || size <= 0 {
		http.Error(w, `{"error": "bad pageSize"}`, http.StatusBadRequest)
		return
	}
	number, err := strconv.Atoi(q.Get("pageNumber"))
	if err != nil || number < 0 {
		http.Error(w, `{"error": "bad pageNumber"}`, http.StatusBadRequest)
		return
	}
	since := q.Get("filterStart")
	isCount := size == 1 && number == 0

	m.mu.Lock()
	if !isCount {
		m.PageRequests[number]++
	}
	status := m.failPages[number]
	delay := m.delayPages[number]
	if isCount {
		status = m.countStatus
	}
	historyStart := m.historyStart
	records := m.records
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		m.writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
		return
	}

	var matched []map[string]any
	if historyStart == "" || since >= historyStart {
		for _, rec := range records {
			rt, _ := rec["record_time"].(string)
			if since == "" || rt >= since {
				matched = append(matched, rec)
			}
		}
	}

	start := number * size
	end := start + size
	if start > len(matched) {
		start = len(matched)
	}
	if end > len(matched) {
		end = len(matched)
	}

	page := matched[start:end]
	if page == nil {
		page = []map[string]any{}
	}
	m.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(matched),
		"samples": page,
	})
}

func (m *MockSource) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     "1",
			"Content-Type":          "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
