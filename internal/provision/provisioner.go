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

// Package provision makes a tool's bundle runnable in a local cache
// directory: fetch, extract, install dependencies. A directory is ready iff
// it exists and is non-empty; a warm cache hit does no network or install
// work.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/toolbridge/toolbridge/internal/blob"
	tberrors "github.com/toolbridge/toolbridge/pkg/errors"
)

var tracer = otel.Tracer("toolbridge/provision")

// Config configures a Provisioner.
type Config struct {
	// CacheDir is the root of the bundle cache; each tool gets one
	// subdirectory keyed by tool id.
	CacheDir string

	// Blobs is where bundle archives are fetched from.
	Blobs blob.Store

	// Runner executes package-manager commands (optional; defaults to
	// real subprocess execution).
	Runner Runner

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// Provisioner ensures tool bundles are present and installed on local disk.
// Concurrent cold starts for the same tool id are collapsed into one pass.
type Provisioner struct {
	cacheDir string
	blobs    blob.Store
	run      Runner
	logger   *slog.Logger

	group singleflight.Group
}

// New creates a Provisioner.
func New(cfg Config) (*Provisioner, error) {
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating bundle cache: %w", err)
	}
	return &Provisioner{
		cacheDir: cfg.CacheDir,
		blobs:    cfg.Blobs,
		run:      cfg.Runner,
		logger:   cfg.Logger,
	}, nil
}

// Dir returns the cache directory a tool's bundle lives in, ready or not.
func (p *Provisioner) Dir(toolID string) string {
	return filepath.Join(p.cacheDir, toolID)
}

// Invalidate removes a tool's cached bundle so the next Ensure runs a cold
// start against the current archive. Called after a tool is re-registered
// under a new bundle.
func (p *Provisioner) Invalidate(toolID string) error {
	return os.RemoveAll(p.Dir(toolID))
}

// Ensure returns a directory containing the tool's installed bundle and
// whether a cold provisioning pass ran. If the directory is already ready it
// is returned immediately; otherwise the cold pass runs: delete stale
// remains, download the archive at locator, extract, install dependencies
// for the detected runtime.
func (p *Provisioner) Ensure(ctx context.Context, toolID, locator string) (dir string, cold bool, err error) {
	dir = p.Dir(toolID)
	if dirReady(dir) {
		return dir, false, nil
	}

	ran, err, _ := p.group.Do(toolID, func() (any, error) {
		// Another caller may have finished the cold start while this one
		// waited on the flight group.
		if dirReady(dir) {
			return false, nil
		}
		return true, p.coldStart(ctx, toolID, locator, dir)
	})
	if err != nil {
		return "", false, err
	}
	return dir, ran.(bool), nil
}

func (p *Provisioner) coldStart(ctx context.Context, toolID, locator, dir string) error {
	ctx, span := tracer.Start(ctx, "provision.coldStart")
	span.SetAttributes(attribute.String("tool.id", toolID))
	defer span.End()

	p.logger.Info("provisioning tool bundle", "tool_id", toolID, "locator", locator)

	fail := func(step string, cause error) error {
		// A partial directory must not be mistaken for a ready bundle.
		_ = os.RemoveAll(dir)
		return &tberrors.ProvisioningError{ToolID: toolID, Step: step, Cause: cause}
	}

	if err := os.RemoveAll(dir); err != nil {
		return fail("clean", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fail("mkdir", err)
	}

	data, err := p.blobs.Download(ctx, locator)
	if err != nil {
		return fail("download", err)
	}

	if err := ExtractTarGz(data, dir); err != nil {
		return fail("extract", err)
	}

	if err := InstallDeps(ctx, dir, p.run, p.logger); err != nil {
		var perr *tberrors.ProvisioningError
		if tberrors.As(err, &perr) {
			perr.ToolID = toolID
			_ = os.RemoveAll(dir)
			return perr
		}
		return fail("install", err)
	}

	p.logger.Info("tool bundle ready", "tool_id", toolID, "dir", dir)
	return nil
}

// dirReady reports whether dir exists and is non-empty.
func dirReady(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}
