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
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolbridge/toolbridge/internal/blob"
	"github.com/toolbridge/toolbridge/internal/provision"
	"github.com/toolbridge/toolbridge/internal/registry"
	tberrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// noopRunner satisfies provision.Runner without spawning processes.
type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return nil, nil
}

func newTestService(t *testing.T, store registry.Store, invoker Invoker) *Service {
	t.Helper()

	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	// A minimal bundle so Ensure has something to download and extract.
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "server.py"), []byte("print('hi')\n"), 0o644))
	archive, err := provision.PackTarGz(src)
	require.NoError(t, err)
	require.NoError(t, blobs.Upload(context.Background(), "bundles/shared.tar.gz", archive))

	prov, err := provision.New(provision.Config{
		CacheDir: t.TempDir(),
		Blobs:    blobs,
		Runner:   noopRunner{},
		Logger:   slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)

	return NewService(store, prov, invoker, slog.New(slog.DiscardHandler))
}

func activeTool(id, name, owner string) *registry.Tool {
	return &registry.Tool{
		ID:        id,
		Name:      name,
		OwnerID:   owner,
		Command:   "python",
		Args:      []string{"server.py"},
		BundleKey: "bundles/shared.tar.gz",
		Status:    registry.StatusActive,
	}
}

func TestListCapabilitiesVisibilityAndDedupe(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	weather := activeTool("t1", "weather", "alice")
	translate := activeTool("t2", "translate", "bob")
	translate.Shared = true
	secret := activeTool("t3", "secret", "bob")
	building := activeTool("t4", "halfway", "alice")
	building.Status = registry.StatusBuilding

	for _, tool := range []*registry.Tool{weather, translate, secret, building} {
		require.NoError(t, store.CreateTool(ctx, tool))
	}
	require.NoError(t, store.ReplaceCapabilities(ctx, "t1", []registry.Capability{
		{Name: "get_forecast", Description: "forecast from t1"},
		{Name: "lookup"},
	}))
	require.NoError(t, store.ReplaceCapabilities(ctx, "t2", []registry.Capability{
		{Name: "translate_text"},
		{Name: "lookup", Description: "shadowed by t1"},
	}))
	require.NoError(t, store.ReplaceCapabilities(ctx, "t3", []registry.Capability{{Name: "hidden"}}))
	require.NoError(t, store.ReplaceCapabilities(ctx, "t4", []registry.Capability{{Name: "not_ready"}}))

	svc := newTestService(t, store, &fakeInvoker{})

	caps, err := svc.ListCapabilities(ctx, "alice")
	require.NoError(t, err)

	names := make([]string, len(caps))
	for i, cap := range caps {
		names[i] = cap.Name
	}
	// t3 is invisible to alice, t4 is not active, and the colliding lookup
	// name belongs to the earlier-registered t1.
	assert.Equal(t, []string{"get_forecast", "lookup", "translate_text"}, names)
	assert.Equal(t, "forecast from t1", caps[0].Description)
}

func TestCallCapabilityBuildsProcessSpec(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	tool := activeTool("t1", "weather", "alice")
	tool.Config = registry.ToolConfig{
		Env:              map[string]string{"LOG_LEVEL": "info"},
		DefaultArguments: map[string]any{"units": "metric"},
	}
	require.NoError(t, store.CreateTool(ctx, tool))
	require.NoError(t, store.ReplaceCapabilities(ctx, "t1", []registry.Capability{{Name: "get_forecast"}}))
	require.NoError(t, store.SetSecret(ctx, "t1", "API_KEY", "hunter2"))

	invoker := &fakeInvoker{}
	svc := newTestService(t, store, invoker)

	result, err := svc.CallCapability(ctx, "alice", "get_forecast", map[string]any{"city": "Oslo"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "ok", result.Content[0].Text)

	assert.Equal(t, "get_forecast", invoker.name)
	assert.Equal(t, map[string]any{"city": "Oslo"}, invoker.args)
	assert.Equal(t, "python", invoker.spec.Command)
	assert.Equal(t, []string{"server.py"}, invoker.spec.Args)
	assert.Equal(t, map[string]string{"API_KEY": "hunter2"}, invoker.spec.Secrets)
	assert.Equal(t, map[string]any{"units": "metric"}, invoker.spec.DefaultArguments)

	// The bundle landed in the working directory handed to the invoker.
	_, err = os.Stat(filepath.Join(invoker.spec.Dir, "server.py"))
	assert.NoError(t, err)
}

func TestCallCapabilityUnknownName(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store, &fakeInvoker{})

	_, err := svc.CallCapability(context.Background(), "alice", "nope", nil)
	var nf *tberrors.CapabilityNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "nope", nf.Name)
}

func TestCallCapabilityInvisibleTool(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	tool := activeTool("t1", "weather", "bob")
	require.NoError(t, store.CreateTool(ctx, tool))
	require.NoError(t, store.ReplaceCapabilities(ctx, "t1", []registry.Capability{{Name: "get_forecast"}}))

	svc := newTestService(t, store, &fakeInvoker{})

	// bob's private tool is not callable by alice even by exact name.
	_, err := svc.CallCapability(ctx, "alice", "get_forecast", nil)
	var nf *tberrors.CapabilityNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestCallCapabilityPropagatesInvokerError(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	require.NoError(t, store.CreateTool(ctx, activeTool("t1", "weather", "alice")))
	require.NoError(t, store.ReplaceCapabilities(ctx, "t1", []registry.Capability{{Name: "get_forecast"}}))

	invoker := &fakeInvoker{err: &tberrors.ProcessCrashError{ExitCode: 139, Stderr: "segfault"}}
	svc := newTestService(t, store, invoker)

	_, err := svc.CallCapability(ctx, "alice", "get_forecast", nil)
	var crash *tberrors.ProcessCrashError
	require.ErrorAs(t, err, &crash)
	assert.Equal(t, 139, crash.ExitCode)
}
