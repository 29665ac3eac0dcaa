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

// Package wire implements the correlated line transport used to talk to a
// downstream tool process over its standard streams.
//
// Messages are newline-delimited JSON-RPC objects. Requests are correlated
// to responses purely by integer id within the lifetime of one transport;
// the transport never outlives its process. Only complete lines are parsed;
// partial trailing data is retained across reads. Anything on the stream
// that is not valid JSON is skipped, never treated as protocol data.
package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrTransportClosed is returned by Call when the underlying stream has
	// closed, typically because the tool process exited.
	ErrTransportClosed = fmt.Errorf("wire: transport closed")

	// ErrCallTimeout is returned by Call when the per-request timeout elapses
	// before a matching response line arrives.
	ErrCallTimeout = fmt.Errorf("wire: call timed out")

	// ErrDuplicateID is returned by Call when a request with the same id is
	// already pending.
	ErrDuplicateID = fmt.Errorf("wire: request id already pending")
)

const (
	// maxLineBytes bounds a single protocol line. Tool results can carry
	// base64 payloads (images, files), so the ceiling is generous.
	maxLineBytes = 16 << 20

	initialLineBytes = 64 << 10
)

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("%s (code %d, data: %s)", e.Message, e.Code, string(e.Data))
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// message is one line on the stream, in either direction.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Transport frames and correlates JSON-RPC messages over a pair of streams.
// It is safe for concurrent use. A Transport serves exactly one process and
// is discarded once that process terminates.
type Transport struct {
	w      io.Writer
	wmu    sync.Mutex
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[int64]chan *message
	closed   bool
	closeErr error

	done chan struct{}
}

// NewTransport creates a transport writing requests to w (the process stdin)
// and reading responses from r (the process stdout). The read loop starts
// immediately and runs until r is exhausted or Close is called.
func NewTransport(w io.Writer, r io.Reader, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		w:       w,
		logger:  logger,
		pending: make(map[int64]chan *message),
		done:    make(chan struct{}),
	}
	go t.readLoop(r)
	return t
}

// readLoop consumes complete newline-terminated lines from the stream and
// delivers parsed responses to their pending waiters.
func (t *Transport) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialLineBytes), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Tools occasionally print banners or stray diagnostics on
			// stdout before speaking the protocol. Skip, never fail.
			t.logger.Debug("skipping non-JSON line on tool stdout", "bytes", len(line))
			continue
		}

		if msg.ID == nil {
			// Server-initiated notification. The one-shot exchange
			// never expects these; log and move on.
			t.logger.Debug("ignoring notification from tool", "method", msg.Method)
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[*msg.ID]
		if ok {
			delete(t.pending, *msg.ID)
		}
		t.mu.Unlock()

		if !ok {
			t.logger.Debug("dropping response with unknown id", "id", *msg.ID)
			continue
		}
		ch <- &msg
	}

	err := ErrTransportClosed
	if serr := scanner.Err(); serr != nil {
		err = fmt.Errorf("%w: %v", ErrTransportClosed, serr)
	}
	t.fail(err)
}

// fail marks the transport closed and wakes every pending call with err.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeErr = err
	t.pending = make(map[int64]chan *message)
	t.mu.Unlock()

	close(t.done)
}

// Close tears the transport down. Pending and future calls fail with
// ErrTransportClosed. Close does not close the underlying streams; the
// process owner does that when it kills the process.
func (t *Transport) Close() {
	t.fail(ErrTransportClosed)
}

// CloseErr returns the error the transport shut down with, or nil while it
// is still open.
func (t *Transport) CloseErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		return nil
	}
	return t.closeErr
}

// Done is closed once the transport has shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Call sends one request line and waits for the response bearing the same id.
// timeout bounds the wait for this call only; zero means no per-call bound
// (ctx still applies). A response with an error member is returned as *RPCError.
func (t *Transport) Call(ctx context.Context, id int64, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	ch := make(chan *message, 1)

	t.mu.Lock()
	if t.closed {
		err := t.closeErr
		t.mu.Unlock()
		return nil, err
	}
	if _, exists := t.pending[id]; exists {
		t.mu.Unlock()
		return nil, ErrDuplicateID
	}
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.writeLine(message{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		t.unregister(id)
		return nil, fmt.Errorf("writing request %s: %w", method, err)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil

	case <-timer:
		t.unregister(id)
		return nil, ErrCallTimeout

	case <-t.done:
		return nil, t.CloseErr()

	case <-ctx.Done():
		t.unregister(id)
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget notification line. No response is expected
// or waited for.
func (t *Transport) Notify(method string, params any) error {
	return t.writeLine(message{JSONRPC: "2.0", Method: method, Params: params})
}

func (t *Transport) unregister(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *Transport) writeLine(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	data = append(data, '\n')

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(data); err != nil {
		// A broken stdin pipe means the process is gone; surface it the
		// same way as a closed read stream so callers classify it once.
		return fmt.Errorf("%w: writing to tool stdin: %v", ErrTransportClosed, err)
	}
	return nil
}
