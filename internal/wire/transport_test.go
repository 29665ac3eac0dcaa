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

package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

// fakePeer simulates the remote end of a stdio transport: it reads requests
// from its input and writes scripted responses.
type fakePeer struct {
	in  *io.PipeReader
	out *io.PipeWriter
}

// newTestTransport wires a Transport to a fake peer over in-memory pipes.
func newTestTransport(t *testing.T) (*Transport, *fakePeer) {
	t.Helper()

	toPeerR, toPeerW := io.Pipe()
	fromPeerR, fromPeerW := io.Pipe()

	tr := NewTransport(toPeerW, fromPeerR, nil)
	t.Cleanup(func() { tr.Close() })

	return tr, &fakePeer{in: toPeerR, out: fromPeerW}
}

// readRequest reads one newline-delimited request from the transport.
func (p *fakePeer) readRequest(t *testing.T) map[string]any {
	t.Helper()
	line, err := bufio.NewReader(p.in).ReadString('\n')
	if err != nil {
		t.Fatalf("reading request: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("request is not JSON: %v", err)
	}
	return msg
}

func (p *fakePeer) writeLine(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(p.out, line+"\n"); err != nil {
		t.Fatalf("writing response: %v", err)
	}
}

func TestCallCorrelatesByID(t *testing.T) {
	tr, peer := newTestTransport(t)

	go func() {
		req := peer.readRequest(t)
		id := int(req["id"].(float64))
		peer.writeLine(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"ok":true}}`, id))
	}()

	result, err := tr.Call(context.Background(), 7, "test/method", nil, time.Second)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("Call() result = %s, want {\"ok\":true}", result)
	}
}

func TestCallReturnsRPCError(t *testing.T) {
	tr, peer := newTestTransport(t)

	go func() {
		peer.readRequest(t)
		peer.writeLine(t, `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"no such method"}}`)
	}()

	_, err := tr.Call(context.Background(), 1, "missing", nil, time.Second)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call() error = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("RPCError.Code = %d, want -32601", rpcErr.Code)
	}
	if rpcErr.Message != "no such method" {
		t.Errorf("RPCError.Message = %q", rpcErr.Message)
	}
}

func TestReadLoopSkipsNoiseLines(t *testing.T) {
	tr, peer := newTestTransport(t)

	go func() {
		peer.readRequest(t)
		// Tools that print banners to stdout must not break correlation.
		peer.writeLine(t, "starting up...")
		peer.writeLine(t, `{"jsonrpc":"2.0","method":"notifications/progress","params":{}}`)
		peer.writeLine(t, `{"jsonrpc":"2.0","id":99,"result":"stale"}`)
		peer.writeLine(t, `{"jsonrpc":"2.0","id":1,"result":"real"}`)
	}()

	result, err := tr.Call(context.Background(), 1, "test", nil, time.Second)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(result) != `"real"` {
		t.Errorf("Call() result = %s, want \"real\"", result)
	}
}

func TestCallTimesOut(t *testing.T) {
	tr, peer := newTestTransport(t)

	go func() { peer.readRequest(t) }()

	_, err := tr.Call(context.Background(), 1, "slow", nil, 20*time.Millisecond)
	if !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("Call() error = %v, want ErrCallTimeout", err)
	}
}

func TestPendingCallsFailOnPeerEOF(t *testing.T) {
	tr, peer := newTestTransport(t)

	go func() {
		peer.readRequest(t)
		peer.out.Close() // peer exits without responding
	}()

	start := time.Now()
	_, err := tr.Call(context.Background(), 1, "test", nil, 5*time.Second)
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Call() error = %v, want ErrTransportClosed", err)
	}
	// The caller must wake promptly on EOF, not wait for its timeout.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Call() took %v after peer EOF", elapsed)
	}
}

func TestCallAfterClose(t *testing.T) {
	tr, _ := newTestTransport(t)
	tr.Close()

	_, err := tr.Call(context.Background(), 1, "test", nil, time.Second)
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Call() error = %v, want ErrTransportClosed", err)
	}
}

func TestCallRespectsContext(t *testing.T) {
	tr, peer := newTestTransport(t)

	go func() { peer.readRequest(t) }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := tr.Call(ctx, 1, "test", nil, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Call() error = %v, want context.Canceled", err)
	}
}

func TestNotifyWritesNotification(t *testing.T) {
	tr, peer := newTestTransport(t)

	done := make(chan map[string]any, 1)
	go func() { done <- peer.readRequest(t) }()

	if err := tr.Notify("notifications/initialized", nil); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	msg := <-done
	if msg["method"] != "notifications/initialized" {
		t.Errorf("method = %v", msg["method"])
	}
	if _, hasID := msg["id"]; hasID {
		t.Error("notification must not carry an id")
	}
}

func TestLongLinesWithinLimit(t *testing.T) {
	tr, peer := newTestTransport(t)

	// Larger than the initial scanner buffer, well under the maximum.
	payload := strings.Repeat("x", 256*1024)
	go func() {
		peer.readRequest(t)
		peer.writeLine(t, fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"result":"%s"}`, payload))
	}()

	result, err := tr.Call(context.Background(), 1, "big", nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	var got string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got != payload {
		t.Errorf("result truncated: got %d bytes, want %d", len(got), len(payload))
	}
}

// brokenWriter fails every write, like the stdin pipe of a process that has
// already exited.
type brokenWriter struct{}

func (brokenWriter) Write(p []byte) (int, error) {
	return 0, errors.New("write |1: broken pipe")
}

func TestWriteFailureReportsTransportClosed(t *testing.T) {
	fromPeerR, _ := io.Pipe()
	tr := NewTransport(brokenWriter{}, fromPeerR, nil)
	t.Cleanup(tr.Close)

	_, err := tr.Call(context.Background(), 0, "initialize", nil, time.Second)
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Call() error = %v, want ErrTransportClosed", err)
	}

	if err := tr.Notify("notifications/initialized", nil); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Notify() error = %v, want ErrTransportClosed", err)
	}
}
