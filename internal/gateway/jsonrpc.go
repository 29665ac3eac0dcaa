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
	"encoding/json"

	tberrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// JSON-RPC 2.0 error codes.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcErrorBody   `json:"error,omitempty"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// respond delivers a JSON-RPC result on the session's stream.
func (s *Server) respond(session *Session, id json.RawMessage, result any) {
	s.deliver(session, rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

// respondError delivers a JSON-RPC error on the session's stream.
func (s *Server) respondError(session *Session, id json.RawMessage, code int, message string) {
	s.deliver(session, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcErrorBody{Code: code, Message: message}})
}

func (s *Server) deliver(session *Session, resp rpcResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", "session_id", session.ID, "error", err)
		return
	}
	if !session.Send(data) {
		s.logger.Warn("dropped response for closed or stalled session", "session_id", session.ID)
	}
}

// mapError translates domain errors into JSON-RPC error codes. Unknown
// errors become internal errors with their message intact so callers can
// diagnose tool failures without server log access.
func mapError(err error) (int, string) {
	var (
		notFound   *tberrors.CapabilityNotFoundError
		validation *tberrors.ValidationError
	)
	switch {
	case tberrors.As(err, &notFound):
		return codeInvalidParams, notFound.Error()
	case tberrors.As(err, &validation):
		return codeInvalidParams, validation.Error()
	default:
		return codeInternalError, err.Error()
	}
}
