// Package fakeserver is an in-process websocket server speaking the
// realtime envelope protocol, for tests. It records everything it
// receives, answers pings unless told not to, and can drop connections
// or refuse new ones to exercise the reconnect paths.
package fakeserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reportive/synckit/pkg/realtime"
)

type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	writeMu  sync.Mutex // gorilla conns allow one writer at a time
	conns    map[*websocket.Conn]struct{}
	received []realtime.Message
	autoPong bool
	refuse   bool
	accepted int
	onMsg    func(conn *websocket.Conn, msg realtime.Message)
}

func New() *Server {
	s := &Server{
		conns:    make(map[*websocket.Conn]struct{}),
		autoPong: true,
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the ws:// endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	refuse := s.refuse
	s.mu.Unlock()
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.accepted++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg realtime.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg)
		autoPong := s.autoPong
		onMsg := s.onMsg
		s.mu.Unlock()

		if msg.Type == realtime.TypePing && autoPong {
			pong := realtime.Message{
				Type:      realtime.TypePong,
				Timestamp: time.Now().UnixMilli(),
				ID:        msg.ID,
			}
			s.writeTo(conn, pong)
		}
		if onMsg != nil {
			onMsg(conn, msg)
		}
	}
}

func (s *Server) writeTo(conn *websocket.Conn, msg realtime.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
}

// SetAutoPong controls whether pings are answered. Turning it off
// simulates a dead upstream to trip the pong watchdog.
func (s *Server) SetAutoPong(on bool) {
	s.mu.Lock()
	s.autoPong = on
	s.mu.Unlock()
}

// Refuse makes new connection attempts fail until turned off.
func (s *Server) Refuse(on bool) {
	s.mu.Lock()
	s.refuse = on
	s.mu.Unlock()
}

// OnMessage installs a hook invoked for every received message.
func (s *Server) OnMessage(fn func(conn *websocket.Conn, msg realtime.Message)) {
	s.mu.Lock()
	s.onMsg = fn
	s.mu.Unlock()
}

// Broadcast sends one message to every connected client.
func (s *Server) Broadcast(msg realtime.Message) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.writeTo(c, msg)
	}
}

// Received returns a copy of every message seen so far.
func (s *Server) Received() []realtime.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]realtime.Message(nil), s.received...)
}

// ReceivedOfType filters Received by message type.
func (s *Server) ReceivedOfType(t realtime.MessageType) []realtime.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []realtime.Message
	for _, m := range s.received {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Accepted returns how many connections have been accepted in total,
// which is how tests count reconnects.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// ConnCount returns the number of currently open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every open connection without refusing new
// ones, simulating a network blip.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Close shuts the server down.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}
