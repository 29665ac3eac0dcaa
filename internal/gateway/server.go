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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	tberrors "github.com/toolbridge/toolbridge/pkg/errors"
)

const serverName = "toolbridge"

// ServerConfig configures the gateway HTTP server.
type ServerConfig struct {
	// PublicURL is the base URL advertised in endpoint events. Required.
	PublicURL string

	// HeartbeatInterval is how often idle streams get a keepalive comment.
	HeartbeatInterval time.Duration

	// SessionRateLimit and SessionRateBurst bound new session opens per
	// remote address.
	SessionRateLimit float64
	SessionRateBurst int

	// Version is reported by initialize responses.
	Version string

	Logger *slog.Logger
}

// Server is the gateway's HTTP surface: an SSE stream per session plus a
// message endpoint that accepts JSON-RPC requests for that session.
type Server struct {
	cfg      ServerConfig
	auth     Authenticator
	svc      *Service
	sessions *Sessions
	logger   *slog.Logger
	mux      *http.ServeMux

	// baseCtx outlives individual POST requests so asynchronous
	// invocations are not cancelled when the POST returns 202.
	baseCtx context.Context

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer creates a gateway server. baseCtx bounds the lifetime of
// asynchronous invocations; cancelling it aborts in-flight tool calls.
func NewServer(baseCtx context.Context, cfg ServerConfig, auth Authenticator, svc *Service) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.SessionRateLimit <= 0 {
		cfg.SessionRateLimit = 5
	}
	if cfg.SessionRateBurst <= 0 {
		cfg.SessionRateBurst = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		auth:     auth,
		svc:      svc,
		sessions: NewSessions(),
		logger:   cfg.Logger,
		mux:      http.NewServeMux(),
		baseCtx:  baseCtx,
		limiters: make(map[string]*rate.Limiter),
	}

	s.mux.HandleFunc("GET /sse", s.handleSSE)
	s.mux.HandleFunc("POST /messages", s.handleMessage)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	})
}

// handleSSE opens a session stream. The first event names the message
// endpoint the client must POST to; all responses arrive on this stream.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if !s.allowSession(r) {
		writeError(w, http.StatusTooManyRequests, "session rate limit exceeded")
		return
	}

	caller, err := s.auth.Authenticate(r.Context(), r)
	if err != nil {
		s.writeAuthFailure(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	session := s.sessions.Open(caller.ID)
	defer s.sessions.Close(session.ID)

	s.logger.Info("session opened", "session_id", session.ID, "caller_id", caller.ID)
	defer s.logger.Info("session closed", "session_id", session.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	endpoint := fmt.Sprintf("%s/messages?session_id=%s", s.cfg.PublicURL, session.ID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case data := <-session.Outbound():
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-session.Done():
			return
		case <-s.baseCtx.Done():
			return
		}
	}
}

// handleMessage accepts a JSON-RPC request for an open session. Accepted
// requests return 202; the response is delivered on the session's stream.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	session := s.sessions.Get(sessionID)
	if session == nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	caller, err := s.auth.Authenticate(r.Context(), r)
	if err != nil {
		s.writeAuthFailure(w, err)
		return
	}
	if caller.ID != session.CallerID {
		writeError(w, http.StatusForbidden, "session belongs to another caller")
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON-RPC request")
		return
	}

	// Notifications carry no id and get no response.
	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.respond(session, req.ID, initializeResult{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo: mcp.Implementation{
				Name:    serverName,
				Version: s.cfg.Version,
			},
		})
	case "tools/list":
		go s.listTools(session, req.ID)
	case "tools/call":
		go s.callTool(session, req.ID, req.Params)
	case "ping":
		s.respond(session, req.ID, map[string]any{})
	default:
		s.respondError(session, req.ID, codeMethodNotFound, fmt.Sprintf("method not supported: %s", req.Method))
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listTools(session *Session, id json.RawMessage) {
	caps, err := s.svc.ListCapabilities(s.baseCtx, session.CallerID)
	if err != nil {
		s.respondError(session, id, codeInternalError, err.Error())
		return
	}

	tools := make([]toolDescriptor, 0, len(caps))
	for _, cap := range caps {
		tools = append(tools, toolDescriptor{
			Name:        cap.Name,
			Description: cap.Description,
			InputSchema: cap.InputSchema,
		})
	}
	s.respond(session, id, map[string]any{"tools": tools})
}

func (s *Server) callTool(session *Session, id json.RawMessage, params json.RawMessage) {
	var call struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil || call.Name == "" {
		s.respondError(session, id, codeInvalidParams, "tools/call requires a name")
		return
	}

	result, err := s.svc.CallCapability(s.baseCtx, session.CallerID, call.Name, call.Arguments)
	if err != nil {
		code, msg := mapError(err)
		s.respondError(session, id, code, msg)
		return
	}
	s.respond(session, id, result)
}

// allowSession rate-limits session opens per remote address.
func (s *Server) allowSession(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	s.limitMu.Lock()
	limiter, ok := s.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.SessionRateLimit), s.cfg.SessionRateBurst)
		s.limiters[host] = limiter
	}
	s.limitMu.Unlock()

	return limiter.Allow()
}

func (s *Server) writeAuthFailure(w http.ResponseWriter, err error) {
	var authErr *tberrors.AuthorizationError
	if tberrors.As(err, &authErr) {
		writeError(w, http.StatusUnauthorized, authErr.Error())
		return
	}
	s.logger.Error("authentication check failed", "error", err)
	writeError(w, http.StatusInternalServerError, "authentication unavailable")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}
