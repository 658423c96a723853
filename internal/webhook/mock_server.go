package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// MockServer provides a fake webhook backend for testing.
type MockServer struct {
	*httptest.Server
	mu sync.RWMutex

	// tables holds the rows returned for each pull action.
	tables map[string][]map[string]interface{}
	// writes records the payloads received for each write action.
	writes map[string][]interface{}

	// failTransport makes the next N requests fail with a 500.
	failTransport int
	// failApp lists actions that are rejected at the application level.
	failApp map[string]string

	requestCount int
}

// NewMockServer creates a mock webhook server.
func NewMockServer() *MockServer {
	m := &MockServer{
		tables:  make(map[string][]map[string]interface{}),
		writes:  make(map[string][]interface{}),
		failApp: make(map[string]string),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// SetTable sets the rows the given pull action returns.
func (m *MockServer) SetTable(action string, rows []map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[action] = rows
}

// Writes returns the payloads received for a write action (for assertions).
func (m *MockServer) Writes(action string) []interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]interface{}{}, m.writes[action]...)
}

// FailTransport makes the next n requests fail with a 500 response.
func (m *MockServer) FailTransport(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTransport = n
}

// FailApp makes the given action fail with an application-level error.
func (m *MockServer) FailApp(action, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failApp[action] = message
}

// ClearAppFailure removes an application-level failure for an action.
func (m *MockServer) ClearAppFailure(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failApp, action)
}

// RequestCount returns the number of requests handled so far.
func (m *MockServer) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// Reset clears all tables, recorded writes and failure injections.
func (m *MockServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = make(map[string][]map[string]interface{})
	m.writes = make(map[string][]interface{})
	m.failApp = make(map[string]string)
	m.failTransport = 0
	m.requestCount = 0
}

func (m *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requestCount++
	if m.failTransport > 0 {
		m.failTransport--
		m.mu.Unlock()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	m.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		m.handleGet(w, r)
	case http.MethodPost:
		m.handlePost(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *MockServer) handleGet(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")

	m.mu.RLock()
	appMsg, appFail := m.failApp[action]
	rows := m.tables[action]
	m.mu.RUnlock()

	if appFail {
		writeEnvelope(w, "error", appMsg, nil)
		return
	}

	if action == "ping" {
		writeEnvelope(w, "ok", "", json.RawMessage(`"pong"`))
		return
	}

	data, err := json.Marshal(rows)
	if err != nil {
		http.Error(w, "marshal failure", http.StatusInternalServerError)
		return
	}
	writeEnvelope(w, "ok", "", data)
}

func (m *MockServer) handlePost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string      `json:"action"`
		Data   interface{} `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	appMsg, appFail := m.failApp[req.Action]
	if !appFail {
		m.writes[req.Action] = append(m.writes[req.Action], req.Data)
	}
	m.mu.Unlock()

	if appFail {
		writeEnvelope(w, "error", appMsg, nil)
		return
	}
	writeEnvelope(w, "ok", "", nil)
}

func writeEnvelope(w http.ResponseWriter, status, errMsg string, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(envelope{
		Status: status,
		Error:  errMsg,
		Data:   data,
	})
}
