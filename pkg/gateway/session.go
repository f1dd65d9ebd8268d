// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is the event envelope exchanged over a websocket session.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Session is one live client connection. The server holds no other
// per-session state; a session's pending work lives only in WaitSets.
type Session struct {
	ID string

	mu   sync.Mutex
	conn *websocket.Conn
}

const writeTimeout = 10 * time.Second

// Emit sends one named event to the client. Writes are serialized: gorilla
// connections support a single concurrent writer.
func (s *Session) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	return s.conn.WriteJSON(Frame{Event: event, Data: raw})
}

func (s *Session) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Registry tracks live sessions by ssid. It is owned by the gateway; a
// session is registered at upgrade time and removed on disconnect.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers a new session for the connection.
func (r *Registry) Add(id string, conn *websocket.Conn) *Session {
	s := &Session{ID: id, conn: conn}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

// Remove drops a session. Emits to a removed ssid become no-ops.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Emit sends an event to the given ssid. It reports false when the session
// is gone, which is not an error: the client disconnected before its
// response arrived.
func (r *Registry) Emit(id, event string, data any) (bool, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := s.Emit(event, data); err != nil {
		return true, err
	}
	return true, nil
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
