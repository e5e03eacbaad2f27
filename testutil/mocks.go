package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// BotToken is the token MockTelegramServer expects in request paths.
const BotToken = "123456:TEST"

// MockTelegramServer mocks the Telegram Bot API. Method handlers are keyed
// by Bot API method name ("sendMessage"); file downloads by file path.
type MockTelegramServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
	Files    map[string][]byte

	mu    sync.Mutex
	calls []Call
}

// Call is one recorded Bot API request.
type Call struct {
	Method      string
	ContentType string
	Body        []byte
}

// NewMockTelegramServer starts a mock Bot API server closed at test cleanup.
func NewMockTelegramServer(t *testing.T) *MockTelegramServer {
	t.Helper()
	m := &MockTelegramServer{
		Handlers: make(map[string]http.HandlerFunc),
		Files:    make(map[string][]byte),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

func (m *MockTelegramServer) serve(w http.ResponseWriter, r *http.Request) {
	if path, ok := strings.CutPrefix(r.URL.Path, "/file/bot"+BotToken+"/"); ok {
		data, found := m.Files[path]
		if !found {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
		return
	}
	method, ok := strings.CutPrefix(r.URL.Path, "/bot"+BotToken+"/")
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": 401, "description": "Unauthorized"}) //nolint:errcheck // test mock response
		return
	}
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	m.mu.Lock()
	m.calls = append(m.calls, Call{Method: method, ContentType: r.Header.Get("Content-Type"), Body: body})
	handler, found := m.Handlers[method]
	m.mu.Unlock()
	if !found {
		WriteError(w, 404, "Not Found: method not mocked")
		return
	}
	handler(w, r)
}

// Calls returns the requests received so far for method ("" for all).
func (m *MockTelegramServer) Calls(method string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Handle sets the handler for a Bot API method.
func (m *MockTelegramServer) Handle(method string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[method] = h
}

// MockResult answers method with ok=true and result.
func (m *MockTelegramServer) MockResult(method string, result any) {
	m.Handle(method, func(w http.ResponseWriter, r *http.Request) { WriteResult(w, result) })
}

// MockError answers method with ok=false.
func (m *MockTelegramServer) MockError(method string, code int, description string) {
	m.Handle(method, func(w http.ResponseWriter, r *http.Request) { WriteError(w, code, description) })
}

// MockFile serves data for getFile(fileID) under path.
func (m *MockTelegramServer) MockFile(fileID, path string, data []byte) {
	m.Files[path] = data
	m.MockResult("getFile", map[string]string{"file_id": fileID, "file_path": path})
}

// WriteResult writes a successful Bot API envelope.
func WriteResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result}) //nolint:errcheck // test mock response
}

// WriteError writes a failed Bot API envelope.
func WriteError(w http.ResponseWriter, code int, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": code, "description": description}) //nolint:errcheck // test mock response
}
