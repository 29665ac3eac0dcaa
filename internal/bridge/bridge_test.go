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

package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	tberrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// TestHelperProcess is re-executed as a fake tool process. It speaks
// newline-delimited JSON-RPC on its standard streams; FAKE_TOOL_MODE picks
// its behavior.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	mode := os.Getenv("FAKE_TOOL_MODE")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	reply := func(id int64, result string) {
		fmt.Printf(`{"jsonrpc":"2.0","id":%d,"result":%s}`+"\n", id, result)
	}

	for scanner.Scan() {
		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}

		switch req.Method {
		case "initialize":
			if mode == "silent" {
				time.Sleep(time.Hour) // never answer the handshake
			}
			if mode == "crash-handshake" {
				fmt.Fprintln(os.Stderr, "panic: config file missing")
				os.Exit(3)
			}
			reply(*req.ID, `{"protocolVersion":"2025-03-26","capabilities":{},"serverInfo":{"name":"fake-tool","version":"1.0"}}`)

		case "tools/list":
			reply(*req.ID, `{"tools":[{"name":"echo","description":"echoes input","inputSchema":{"type":"object"}},{"name":"reverse","description":"reverses input"}]}`)

		case "tools/call":
			switch mode {
			case "crash-call":
				fmt.Fprintln(os.Stderr, "segfault in native extension")
				os.Exit(139)
			case "hang":
				time.Sleep(time.Hour)
			case "rpc-error":
				fmt.Printf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"unknown tool"}}`+"\n", *req.ID)
			default:
				var params struct {
					Arguments map[string]any `json:"arguments"`
				}
				_ = json.Unmarshal(req.Params, &params)
				args, _ := json.Marshal(params.Arguments)
				reply(*req.ID, fmt.Sprintf(
					`{"content":[{"type":"text","text":%s}],"isError":false}`,
					strconv(args)))
			}
		}
	}
}

// strconv JSON-encodes raw bytes as a JSON string literal.
func strconv(data []byte) string {
	out, _ := json.Marshal(string(data))
	return string(out)
}

// fakeToolSpec builds a ProcessSpec that re-executes this test binary as the
// fake tool.
func fakeToolSpec(t *testing.T, mode string) ProcessSpec {
	t.Helper()
	return ProcessSpec{
		Dir:     t.TempDir(),
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess", "--"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"FAKE_TOOL_MODE":         mode,
		},
	}
}

func TestListCapabilities(t *testing.T) {
	b := New(Config{})

	tools, err := b.ListCapabilities(context.Background(), fakeToolSpec(t, "ok"))
	if err != nil {
		t.Fatalf("ListCapabilities() error = %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("ListCapabilities() returned %d tools, want 2", len(tools))
	}
	if tools[0].Name != "echo" || tools[1].Name != "reverse" {
		t.Errorf("tools = %q, %q", tools[0].Name, tools[1].Name)
	}
	if tools[0].Description != "echoes input" {
		t.Errorf("description = %q", tools[0].Description)
	}
	if len(tools[0].InputSchema) == 0 {
		t.Error("echo input schema missing")
	}
}

func TestCallCapability(t *testing.T) {
	b := New(Config{})

	result, err := b.CallCapability(context.Background(), fakeToolSpec(t, "ok"), "echo", map[string]any{"message": "hello"})
	if err != nil {
		t.Fatalf("CallCapability() error = %v", err)
	}
	if result.IsError {
		t.Error("IsError = true, want false")
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("unexpected content: %+v", result.Content)
	}
	if !strings.Contains(result.Content[0].Text, `"message":"hello"`) {
		t.Errorf("echoed arguments = %s", result.Content[0].Text)
	}
}

func TestCallCapabilityAppliesDefaults(t *testing.T) {
	b := New(Config{})

	spec := fakeToolSpec(t, "ok")
	spec.DefaultArguments = map[string]any{"region": "eu-west-1"}

	result, err := b.CallCapability(context.Background(), spec, "echo", map[string]any{
		"message": "hello",
		"region":  "us-east-1", // must lose to the configured default
	})
	if err != nil {
		t.Fatalf("CallCapability() error = %v", err)
	}
	text := result.Content[0].Text
	if !strings.Contains(text, `"region":"eu-west-1"`) {
		t.Errorf("default argument not applied: %s", text)
	}
	if !strings.Contains(text, `"message":"hello"`) {
		t.Errorf("caller argument lost: %s", text)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	b := New(Config{HandshakeTimeout: 100 * time.Millisecond})

	_, err := b.ListCapabilities(context.Background(), fakeToolSpec(t, "silent"))
	var timeoutErr *tberrors.HandshakeTimeoutError
	if !tberrors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *HandshakeTimeoutError", err)
	}
}

func TestExecutionTimeout(t *testing.T) {
	b := New(Config{ExecTimeout: 300 * time.Millisecond})

	start := time.Now()
	_, err := b.CallCapability(context.Background(), fakeToolSpec(t, "hang"), "echo", nil)
	var timeoutErr *tberrors.ExecutionTimeoutError
	if !tberrors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *ExecutionTimeoutError", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout enforcement took %v", elapsed)
	}
}

func TestCrashDuringHandshake(t *testing.T) {
	b := New(Config{HandshakeTimeout: 5 * time.Second})

	start := time.Now()
	_, err := b.ListCapabilities(context.Background(), fakeToolSpec(t, "crash-handshake"))
	var crashErr *tberrors.ProcessCrashError
	if !tberrors.As(err, &crashErr) {
		t.Fatalf("error = %v, want *ProcessCrashError", err)
	}
	if crashErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", crashErr.ExitCode)
	}
	if !strings.Contains(crashErr.Stderr, "config file missing") {
		t.Errorf("Stderr = %q, want captured diagnostics", crashErr.Stderr)
	}
	// A crash must settle promptly, not wait out the handshake window.
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("crash detection took %v", elapsed)
	}
}

func TestCrashDuringCall(t *testing.T) {
	b := New(Config{})

	_, err := b.CallCapability(context.Background(), fakeToolSpec(t, "crash-call"), "echo", nil)
	var crashErr *tberrors.ProcessCrashError
	if !tberrors.As(err, &crashErr) {
		t.Fatalf("error = %v, want *ProcessCrashError", err)
	}
	if !strings.Contains(crashErr.Stderr, "segfault") {
		t.Errorf("Stderr = %q", crashErr.Stderr)
	}
}

func TestRPCErrorPassthrough(t *testing.T) {
	b := New(Config{})

	_, err := b.CallCapability(context.Background(), fakeToolSpec(t, "rpc-error"), "bogus", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "unknown tool") {
		t.Errorf("error = %v, want tool's JSON-RPC error message", err)
	}
	var crashErr *tberrors.ProcessCrashError
	if tberrors.As(err, &crashErr) {
		t.Error("a clean JSON-RPC error must not be reported as a crash")
	}
}

func TestSpawnFailure(t *testing.T) {
	b := New(Config{})

	spec := ProcessSpec{
		Dir:     t.TempDir(),
		Command: "/nonexistent/interpreter",
	}
	if _, err := b.ListCapabilities(context.Background(), spec); err == nil {
		t.Fatal("expected spawn error")
	}
}
