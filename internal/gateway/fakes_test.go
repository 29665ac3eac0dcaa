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
	"sync"

	"github.com/toolbridge/toolbridge/internal/bridge"
	"github.com/toolbridge/toolbridge/internal/registry"
	tberrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// fakeStore is an in-memory registry.Store for gateway tests. Tools keep
// their insertion order; the SQLite implementation covers persistence.
type fakeStore struct {
	mu      sync.Mutex
	tools   []*registry.Tool
	caps    map[string][]registry.Capability
	callers []*registry.Caller
	secrets map[string]map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		caps:    make(map[string][]registry.Capability),
		secrets: make(map[string]map[string]string),
	}
}

func (f *fakeStore) CreateTool(ctx context.Context, tool *registry.Tool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = append(f.tools, tool)
	return nil
}

func (f *fakeStore) GetTool(ctx context.Context, id string) (*registry.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tool := range f.tools {
		if tool.ID == id {
			return tool, nil
		}
	}
	return nil, &tberrors.NotFoundError{Resource: "tool", ID: id}
}

func (f *fakeStore) GetToolByName(ctx context.Context, ownerID, name string) (*registry.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tool := range f.tools {
		if tool.OwnerID == ownerID && tool.Name == name {
			return tool, nil
		}
	}
	return nil, &tberrors.NotFoundError{Resource: "tool", ID: ownerID + "/" + name}
}

func (f *fakeStore) UpdateTool(ctx context.Context, tool *registry.Tool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.tools {
		if t.ID == tool.ID {
			f.tools[i] = tool
			return nil
		}
	}
	return &tberrors.NotFoundError{Resource: "tool", ID: tool.ID}
}

func (f *fakeStore) DeleteTool(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.tools {
		if t.ID == id {
			f.tools = append(f.tools[:i], f.tools[i+1:]...)
			delete(f.caps, id)
			delete(f.secrets, id)
			return nil
		}
	}
	return &tberrors.NotFoundError{Resource: "tool", ID: id}
}

func (f *fakeStore) ListVisibleTools(ctx context.Context, callerID string) ([]*registry.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*registry.Tool
	for _, tool := range f.tools {
		if tool.OwnerID == callerID || tool.Shared {
			out = append(out, tool)
		}
	}
	return out, nil
}

func (f *fakeStore) ReplaceCapabilities(ctx context.Context, toolID string, caps []registry.Capability) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caps[toolID] = caps
	return nil
}

func (f *fakeStore) ListCapabilities(ctx context.Context, toolID string) ([]registry.Capability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.caps[toolID], nil
}

func (f *fakeStore) CreateCaller(ctx context.Context, caller *registry.Caller) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callers = append(f.callers, caller)
	return nil
}

func (f *fakeStore) GetCaller(ctx context.Context, id string) (*registry.Caller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, caller := range f.callers {
		if caller.ID == id {
			return caller, nil
		}
	}
	return nil, &tberrors.NotFoundError{Resource: "caller", ID: id}
}

func (f *fakeStore) ListCallers(ctx context.Context) ([]*registry.Caller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callers, nil
}

func (f *fakeStore) DeleteCaller(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.callers {
		if c.ID == id {
			f.callers = append(f.callers[:i], f.callers[i+1:]...)
			return nil
		}
	}
	return &tberrors.NotFoundError{Resource: "caller", ID: id}
}

func (f *fakeStore) SetSecret(ctx context.Context, toolID, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.secrets[toolID] == nil {
		f.secrets[toolID] = make(map[string]string)
	}
	f.secrets[toolID][key] = value
	return nil
}

func (f *fakeStore) GetSecrets(ctx context.Context, toolID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.secrets[toolID]))
	for k, v := range f.secrets[toolID] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) ListSecretKeys(ctx context.Context, toolID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.secrets[toolID] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fakeStore) DeleteSecret(ctx context.Context, toolID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.secrets[toolID][key]; !ok {
		return &tberrors.NotFoundError{Resource: "secret", ID: key}
	}
	delete(f.secrets[toolID], key)
	return nil
}

func (f *fakeStore) Close() error { return nil }

// fakeInvoker records the last invocation and returns a canned result. When
// block is set, invocations wait for it to close before settling.
type fakeInvoker struct {
	mu     sync.Mutex
	spec   bridge.ProcessSpec
	name   string
	args   map[string]any
	result *bridge.Result
	err    error
	block  chan struct{}
}

func (f *fakeInvoker) CallCapability(ctx context.Context, spec bridge.ProcessSpec, name string, args map[string]any) (*bridge.Result, error) {
	f.mu.Lock()
	f.spec = spec
	f.name = name
	f.args = args
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &bridge.Result{Content: []bridge.ContentItem{{Type: "text", Text: "ok"}}}, nil
}
