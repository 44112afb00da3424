// Package testkit provides an httptest-backed fake provisioning backend for
// integration tests: the trigger and status endpoints plus a scripted
// WebSocket event stream.
package testkit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"provisioner/pkg/proto"
)

// MockBackend emulates the provisioning API for one or more sessions.
// Configure it before pointing a client at URL().
type MockBackend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu sync.Mutex
	// TriggerStatus is the HTTP status returned by the provision endpoint.
	// Defaults to 202 Accepted.
	triggerStatus int
	triggerBody   string
	triggers      map[string]int

	status proto.Status

	script     []proto.Event
	streamHold chan struct{} // keeps the stream open after the script drains
}

// NewMockBackend starts the fake backend. Callers must Close it.
func NewMockBackend() *MockBackend {
	b := &MockBackend{
		triggerStatus: http.StatusAccepted,
		triggers:      make(map[string]int),
		streamHold:    make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/", b.route)
	b.server = httptest.NewServer(mux)
	return b
}

// Close shuts the backend down and releases any held event streams.
func (b *MockBackend) Close() {
	b.mu.Lock()
	select {
	case <-b.streamHold:
	default:
		close(b.streamHold)
	}
	b.mu.Unlock()
	b.server.Close()
}

// URL returns the http base URL of the backend.
func (b *MockBackend) URL() string {
	return b.server.URL
}

// RejectTriggers makes the provision endpoint answer with the given status
// and body instead of accepting.
func (b *MockBackend) RejectTriggers(status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.triggerStatus = status
	b.triggerBody = body
}

// TriggerCount reports how many provision calls a session has made.
func (b *MockBackend) TriggerCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.triggers[sessionID]
}

// SetStatus sets the response of the status endpoint.
func (b *MockBackend) SetStatus(st proto.Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = st
}

// ScriptEvents sets the events replayed to each new stream subscriber. The
// stream stays open after the last event until the backend is closed.
func (b *MockBackend) ScriptEvents(events ...proto.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.script = append([]proto.Event(nil), events...)
}

func (b *MockBackend) route(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	sessionID, op := parts[0], parts[1]

	switch op {
	case "provision":
		b.handleTrigger(w, r, sessionID)
	case "status":
		b.handleStatus(w, r)
	case "events":
		b.handleEvents(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (b *MockBackend) handleTrigger(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	b.mu.Lock()
	b.triggers[sessionID]++
	status, body := b.triggerStatus, b.triggerBody
	b.mu.Unlock()

	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (b *MockBackend) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	b.mu.Lock()
	st := b.status
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (b *MockBackend) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close() //nolint:errcheck // Test server teardown

	b.mu.Lock()
	script := b.script
	hold := b.streamHold
	b.mu.Unlock()

	for _, ev := range script {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	// Keep the stream open; drain client frames so closes are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	select {
	case <-hold:
	case <-done:
	}
}
