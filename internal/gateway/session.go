// Copyright 2025 The Toolbridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"sync"

	"github.com/google/uuid"
)

// Session is one open event stream. Responses to a session's posted
// requests are delivered over its outbound channel, never to another
// session's stream.
type Session struct {
	// ID is the opaque session identifier handed to the client in the
	// endpoint event
	ID string

	// CallerID is the authenticated caller that opened the stream
	CallerID string

	outbound chan []byte
	done     chan struct{}
	once     sync.Once
}

// Send queues data for delivery on the session's stream. Returns false if
// the session is closed or its buffer is full.
func (s *Session) Send(data []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.outbound <- data:
		return true
	case <-s.done:
		return false
	default:
		// Slow consumer; drop rather than block the invocation path.
		return false
	}
}

// Outbound returns the channel the stream writer drains.
func (s *Session) Outbound() <-chan []byte {
	return s.outbound
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) close() {
	s.once.Do(func() { close(s.done) })
}

// Sessions tracks open sessions by id.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessions creates an empty session registry.
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*Session)}
}

// Open registers a new session for a caller and returns it.
func (r *Sessions) Open(callerID string) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		CallerID: callerID,
		outbound: make(chan []byte, 64),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	activeSessions.Inc()
	return s
}

// Get returns the session with the given id, or nil.
func (r *Sessions) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Close removes a session and releases its stream writer.
func (r *Sessions) Close(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		s.close()
		activeSessions.Dec()
	}
}

// Len returns the number of open sessions.
func (r *Sessions) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
