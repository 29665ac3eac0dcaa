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

// Package bridge spawns a registered tool as a one-shot child process,
// drives the initialize handshake and exactly one data exchange over its
// standard streams, and guarantees the process is terminated once the
// invocation settles, on every path.
//
// A process serves exactly one invocation. The handshake request uses id 0
// and the data request id 1; this is safe only because processes are never
// pooled or reused across calls.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/toolbridge/toolbridge/internal/wire"
	tberrors "github.com/toolbridge/toolbridge/pkg/errors"
)

var tracer = otel.Tracer("toolbridge/bridge")

const (
	handshakeRequestID int64 = 0
	dataRequestID      int64 = 1

	// DefaultHandshakeTimeout bounds initialize plus the initialized
	// notification.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultExecTimeout bounds the whole invocation from spawn to
	// completion.
	DefaultExecTimeout = 2 * time.Minute

	// stderrTailBytes is how much captured stderr a crash report carries.
	stderrTailBytes = 8 << 10

	clientName    = "toolbridge"
	clientVersion = "0.1.0"
)

// Config configures a Bridge.
type Config struct {
	// HandshakeTimeout bounds the initialize exchange (default 10s).
	HandshakeTimeout time.Duration

	// ExecTimeout bounds the whole invocation (default 2m).
	ExecTimeout time.Duration

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// Bridge runs one-shot tool invocations. It holds no per-invocation state
// and is safe for concurrent use; every invocation gets its own process and
// its own transport.
type Bridge struct {
	handshakeTimeout time.Duration
	execTimeout      time.Duration
	logger           *slog.Logger
}

// New creates a Bridge with defaults applied.
func New(cfg Config) *Bridge {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		handshakeTimeout: cfg.HandshakeTimeout,
		execTimeout:      cfg.ExecTimeout,
		logger:           cfg.Logger,
	}
}

// ToolInfo describes one capability advertised by a tool process.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ContentItem is one piece of invocation output.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Result is the settled output of one capability invocation. The field tags
// keep gateway responses wire-compatible with MCP tools/call results.
type Result struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError"`
}

// initializeParams is the body of the handshake request.
type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	ClientInfo      mcp.Implementation     `json:"clientInfo"`
}

// callParams is the body of a tools/call request.
type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ListCapabilities spawns the tool and performs a handshake plus one
// tools/list exchange.
func (b *Bridge) ListCapabilities(ctx context.Context, spec ProcessSpec) ([]ToolInfo, error) {
	raw, err := b.exchange(ctx, spec, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var listed struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		return nil, fmt.Errorf("parsing tools/list result: %w", err)
	}
	return listed.Tools, nil
}

// CallCapability spawns the tool and performs a handshake plus one
// tools/call exchange. Administrator-configured default arguments are
// overlaid onto args before the call; defaults win on conflict.
func (b *Bridge) CallCapability(ctx context.Context, spec ProcessSpec, name string, args map[string]any) (*Result, error) {
	merged := MergeArguments(args, spec.DefaultArguments)

	raw, err := b.exchange(ctx, spec, "tools/call", callParams{Name: name, Arguments: merged})
	if err != nil {
		return nil, err
	}

	parsed, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, fmt.Errorf("parsing tools/call result: %w", err)
	}

	// Content starts non-nil so an empty result marshals as [] rather
	// than null.
	result := &Result{Content: []ContentItem{}, IsError: parsed.IsError}
	for _, content := range parsed.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			result.Content = append(result.Content, ContentItem{Type: "text", Text: text.Text})
			continue
		}
		if img, ok := mcp.AsImageContent(content); ok {
			result.Content = append(result.Content, ContentItem{Type: "image", Data: img.Data, MimeType: img.MIMEType})
			continue
		}
		// Unrecognized content kind: carry it as its JSON text so nothing
		// is silently dropped.
		data, err := json.Marshal(content)
		if err != nil {
			continue
		}
		result.Content = append(result.Content, ContentItem{Type: "text", Text: string(data)})
	}
	return result, nil
}

// exchange is the full state machine of one invocation:
//
//	Spawned -> Initializing -> Ready -> Executing -> Terminated
//
// The returned raw message is the data response's result member. Terminated
// is reached on every path; the child never outlives the exchange.
func (b *Bridge) exchange(ctx context.Context, spec ProcessSpec, method string, params any) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "bridge.exchange")
	span.SetAttributes(
		attribute.String("tool.dir", spec.Dir),
		attribute.String("rpc.method", method),
	)
	defer span.End()

	proc, err := b.spawn(spec)
	if err != nil {
		return nil, err
	}
	defer proc.terminate()

	// Absolute execution deadline, spawn to completion. Firing kills the
	// process; pending transport calls then fail and are classified below.
	watchdog := time.AfterFunc(b.execTimeout, func() {
		proc.timedOut.Store(true)
		proc.kill()
	})
	defer watchdog.Stop()

	// Initializing: handshake request with id 0.
	initRaw, err := proc.transport.Call(ctx, handshakeRequestID, "initialize", initializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      mcp.Implementation{Name: clientName, Version: clientVersion},
	}, b.handshakeTimeout)
	if err != nil {
		return nil, b.classify(proc, err, true)
	}

	var initRes mcp.InitializeResult
	if err := json.Unmarshal(initRaw, &initRes); err == nil && initRes.ServerInfo.Name != "" {
		b.logger.Debug("tool handshake complete",
			"server", initRes.ServerInfo.Name,
			"version", initRes.ServerInfo.Version,
			"protocol", initRes.ProtocolVersion,
		)
	}

	// Ready: fire-and-forget initialized notification, then the single
	// data request with a fixed id distinct from 0.
	if err := proc.transport.Notify("notifications/initialized", nil); err != nil {
		return nil, b.classify(proc, err, true)
	}

	// Executing: the per-call timeout is left unset; the watchdog above
	// enforces the absolute bound.
	raw, err := proc.transport.Call(ctx, dataRequestID, method, params, 0)
	if err != nil {
		return nil, b.classify(proc, err, false)
	}
	return raw, nil
}

// classify maps a transport failure to the invocation error taxonomy.
func (b *Bridge) classify(proc *process, err error, handshaking bool) error {
	// A response with an error member rejects the invocation with that
	// error; the process did not misbehave.
	var rpcErr *wire.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	switch {
	case proc.timedOut.Load():
		return &tberrors.ExecutionTimeoutError{Timeout: b.execTimeout}

	case errors.Is(err, wire.ErrCallTimeout):
		if handshaking {
			return &tberrors.HandshakeTimeoutError{Timeout: b.handshakeTimeout}
		}
		return &tberrors.ExecutionTimeoutError{Timeout: b.execTimeout}

	case errors.Is(err, wire.ErrTransportClosed):
		// The stream closed under us: the process exited before the
		// invocation settled. Reap it and report the crash.
		proc.kill()
		code := proc.exitCode()
		return &tberrors.ProcessCrashError{ExitCode: code, Stderr: proc.stderr.String()}
	}

	return err
}

// process is one spawned child and its transport.
type process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	transport *wire.Transport
	stderr    *tailBuffer

	exited   chan struct{}
	waitErr  error
	killOnce sync.Once
	timedOut atomic.Bool
}

// spawn starts the tool process with the merged environment and begins
// buffering its stdout as protocol lines and its stderr for diagnostics.
func (b *Bridge) spawn(spec ProcessSpec) (*process, error) {
	cmdPath := ResolveCommand(spec.Dir, spec.Command)

	cmd := exec.Command(cmdPath, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = buildEnv(spec)

	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting tool process %q: %w", spec.Command, err)
	}

	b.logger.Debug("tool process spawned", "command", cmdPath, "pid", cmd.Process.Pid, "dir", spec.Dir)

	proc := &process{
		cmd:       cmd,
		stdin:     stdin,
		transport: wire.NewTransport(stdin, stdout, b.logger),
		stderr:    stderr,
		exited:    make(chan struct{}),
	}

	// Reap only after the read loop has drained stdout; Wait closes the
	// pipes.
	go func() {
		<-proc.transport.Done()
		proc.waitErr = cmd.Wait()
		close(proc.exited)
	}()

	return proc, nil
}

// kill terminates the process unconditionally. Safe to call multiple times
// and from multiple goroutines.
func (p *process) kill() {
	p.killOnce.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}

// terminate kills the process and waits for it to be reaped. Called on
// every settle path; after terminate returns no child remains.
func (p *process) terminate() {
	p.kill()
	p.transport.Close()
	<-p.exited
}

// exitCode waits for the process to be reaped and returns its exit code.
func (p *process) exitCode() int {
	<-p.exited
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if p.waitErr != nil {
		return -1
	}
	return 0
}

// tailBuffer retains the last max bytes written to it. Used for stderr so a
// crash report carries recent diagnostics without unbounded growth.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

// Write implements io.Writer.
func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if overflow := len(t.buf) - t.max; overflow > 0 {
		t.buf = t.buf[overflow:]
	}
	return len(p), nil
}

// String returns the retained tail as text.
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
