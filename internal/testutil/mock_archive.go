package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockArchive is a CDS-style archive. POST /resources/<dataset> queues a
// task, GET /tasks/<id> reports it running for PollsBeforeComplete polls and
// then completed, and GET /downloads/<id> serves the artifact.
type MockArchive struct {
	server *httptest.Server
	mu     sync.Mutex

	// Content builds the artifact body for a request payload. The default
	// body names the request's variable.
	Content func(payload map[string]any) []byte

	PollsBeforeComplete int

	failVariables map[string]string
	delays        map[string]time.Duration
	tasks         map[string]*mockTask
	next          int

	// Tracking
	Submitted []map[string]any
	Username  string
	Password  string
}

type mockTask struct {
	payload map[string]any
	polls   int
	failed  string
}

// NewMockArchive starts a mock archive.
func NewMockArchive() *MockArchive {
	m := &MockArchive{
		failVariables: make(map[string]string),
		delays:        make(map[string]time.Duration),
		tasks:         make(map[string]*mockTask),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the archive base URL.
func (m *MockArchive) URL() string { return m.server.URL }

// Close shuts down the server.
func (m *MockArchive) Close() { m.server.Close() }

// FailKey makes tasks whose "<variable>_t_<date|MM-YYYY>" key matches fail
// with message.
func (m *MockArchive) FailKey(key, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failVariables[key] = message
}

// DelayKey delays the download of the artifact for key.
func (m *MockArchive) DelayKey(key string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[key] = d
}

// SubmittedCount returns the number of submitted requests.
func (m *MockArchive) SubmittedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Submitted)
}

func payloadKey(p map[string]any) string {
	v, _ := p["variable"].(string)
	if d, ok := p["date"].(string); ok {
		return v + "_t_" + d
	}
	month, _ := p["month"].(string)
	year, _ := p["year"].(string)
	return v + "_t_" + month + "-" + year
}

func (m *MockArchive) handle(w http.ResponseWriter, r *http.Request) {
	user, pass, _ := r.BasicAuth()
	m.mu.Lock()
	m.Username, m.Password = user, pass
	m.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/resources/"):
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		m.mu.Lock()
		m.next++
		id := fmt.Sprintf("req-%d", m.next)
		m.tasks[id] = &mockTask{payload: payload, failed: m.failVariables[payloadKey(payload)]}
		m.Submitted = append(m.Submitted, payload)
		m.mu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]any{"state": "queued", "request_id": id})

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/tasks/"):
		id := strings.TrimPrefix(r.URL.Path, "/tasks/")
		m.mu.Lock()
		task, ok := m.tasks[id]
		if ok {
			task.polls++
		}
		m.mu.Unlock()
		switch {
		case !ok:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such task"})
		case task.polls <= m.PollsBeforeComplete:
			writeJSON(w, http.StatusOK, map[string]any{"state": "running", "request_id": id})
		case task.failed != "":
			writeJSON(w, http.StatusOK, map[string]any{
				"state":      "failed",
				"request_id": id,
				"error":      map[string]string{"message": task.failed, "reason": "request rejected"},
			})
		default:
			writeJSON(w, http.StatusOK, map[string]any{
				"state":          "completed",
				"request_id":     id,
				"location":       "/downloads/" + id,
				"content_length": len(m.content(task.payload)),
			})
		}

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/downloads/"):
		id := strings.TrimPrefix(r.URL.Path, "/downloads/")
		m.mu.Lock()
		task, ok := m.tasks[id]
		var delay time.Duration
		if ok {
			delay = m.delays[payloadKey(task.payload)]
		}
		m.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/x-netcdf")
		w.Write(m.content(task.payload))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (m *MockArchive) content(payload map[string]any) []byte {
	if m.Content != nil {
		return m.Content(payload)
	}
	return []byte("artifact " + payloadKey(payload))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
