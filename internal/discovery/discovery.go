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

// Package discovery turns a tool repository into a registered, invocable
// tool: clone, install, interrogate capabilities, pack and upload the
// bundle. A tool only becomes active once its full capability manifest is
// captured; any earlier failure marks it failed with a diagnostic message
// and leaves no partial manifest behind.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/toolbridge/toolbridge/internal/blob"
	"github.com/toolbridge/toolbridge/internal/bridge"
	"github.com/toolbridge/toolbridge/internal/provision"
	"github.com/toolbridge/toolbridge/internal/registry"
	tberrors "github.com/toolbridge/toolbridge/pkg/errors"
)

var tracer = otel.Tracer("toolbridge/discovery")

// bundleExcludes are stripped from packed bundles; they are rebuilt from
// lockfiles during provisioning on the serving host.
var bundleExcludes = []string{"node_modules", ".venv", "venv", ".git"}

// Lister interrogates a built tool for its capability manifest.
// *bridge.Bridge is the production implementation.
type Lister interface {
	ListCapabilities(ctx context.Context, spec bridge.ProcessSpec) ([]bridge.ToolInfo, error)
}

// Cache drops a tool's provisioned bundle after a rebuild so serving hosts
// fetch the new archive. *provision.Provisioner is the production
// implementation.
type Cache interface {
	Invalidate(toolID string) error
}

// Config configures a Runner.
type Config struct {
	Store registry.Store
	Blobs blob.Store
	// Lister runs the built tool once to capture its manifest.
	Lister Lister
	// Cache is invalidated when a tool is rebuilt (optional).
	Cache Cache
	// Exec runs git and package-manager commands (optional).
	Exec provision.Runner
	// CloneTimeout bounds the git clone step of a registration.
	CloneTimeout time.Duration
	// BuildDir is scratch space for registration builds.
	BuildDir string
	Logger   *slog.Logger
}

// Runner executes tool registrations.
type Runner struct {
	store        registry.Store
	blobs        blob.Store
	lister       Lister
	cache        Cache
	exec         provision.Runner
	cloneTimeout time.Duration
	buildDir     string
	logger       *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Store == nil || cfg.Blobs == nil || cfg.Lister == nil {
		return nil, fmt.Errorf("store, blobs, and lister are required")
	}
	if cfg.Exec == nil {
		cfg.Exec = provision.ExecRunner{}
	}
	if cfg.CloneTimeout <= 0 {
		cfg.CloneTimeout = 5 * time.Minute
	}
	if cfg.BuildDir == "" {
		cfg.BuildDir = os.TempDir()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		store:        cfg.Store,
		blobs:        cfg.Blobs,
		lister:       cfg.Lister,
		cache:        cfg.Cache,
		exec:         cfg.Exec,
		cloneTimeout: cfg.CloneTimeout,
		buildDir:     cfg.BuildDir,
		logger:       cfg.Logger,
	}, nil
}

// RegisterRequest describes a tool to register.
type RegisterRequest struct {
	Name             string
	OwnerID          string
	Repo             string
	Command          string
	Env              map[string]string
	DefaultArguments map[string]any
	Shared           bool
}

// Register builds and registers a tool from its repository. Registering a
// name the owner already holds rebuilds that tool in place: the record keeps
// its id, and the manifest and bundle are replaced wholesale once the new
// build succeeds. The returned tool is active on success and failed (with
// StatusMessage set) on error.
func (r *Runner) Register(ctx context.Context, req RegisterRequest) (*registry.Tool, error) {
	ctx, span := tracer.Start(ctx, "discovery.Register")
	span.SetAttributes(attribute.String("tool.name", req.Name))
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	command, args := splitCommand(req.Command)
	tool, err := r.store.GetToolByName(ctx, req.OwnerID, req.Name)
	switch {
	case err == nil:
		tool.Repo = req.Repo
		tool.Command = command
		tool.Args = args
		tool.Config = registry.ToolConfig{
			Env:              req.Env,
			DefaultArguments: req.DefaultArguments,
		}
		tool.Shared = req.Shared
		tool.Status = registry.StatusPending
		tool.StatusMessage = ""
		if err := r.store.UpdateTool(ctx, tool); err != nil {
			return nil, err
		}

	case isNotFound(err):
		tool = &registry.Tool{
			ID:      uuid.NewString(),
			Name:    req.Name,
			OwnerID: req.OwnerID,
			Repo:    req.Repo,
			Command: command,
			Args:    args,
			Config: registry.ToolConfig{
				Env:              req.Env,
				DefaultArguments: req.DefaultArguments,
			},
			Shared: req.Shared,
			Status: registry.StatusPending,
		}
		if err := r.store.CreateTool(ctx, tool); err != nil {
			return nil, err
		}

	default:
		return nil, err
	}

	if err := r.build(ctx, tool); err != nil {
		tool.Status = registry.StatusFailed
		tool.StatusMessage = err.Error()
		if uerr := r.store.UpdateTool(ctx, tool); uerr != nil {
			r.logger.Error("failed to record build failure", "tool_id", tool.ID, "error", uerr)
		}
		return tool, err
	}

	return tool, nil
}

// build runs the registration pipeline and promotes the tool to active.
func (r *Runner) build(ctx context.Context, tool *registry.Tool) error {
	tool.Status = registry.StatusBuilding
	if err := r.store.UpdateTool(ctx, tool); err != nil {
		return err
	}

	workDir := filepath.Join(r.buildDir, "toolbridge-build-"+tool.ID)
	defer os.RemoveAll(workDir)

	if err := r.clone(ctx, tool.Repo, workDir); err != nil {
		return err
	}

	if err := provision.InstallDeps(ctx, workDir, r.exec, r.logger); err != nil {
		return err
	}

	spec := bridge.ProcessSpec{
		Dir:     workDir,
		Command: tool.Command,
		Args:    tool.Args,
		Env:     tool.Config.Env,
	}
	caps, err := r.lister.ListCapabilities(ctx, spec)
	if err != nil {
		return fmt.Errorf("interrogating capabilities: %w", err)
	}
	if len(caps) == 0 {
		return &tberrors.ValidationError{Message: "tool advertises no capabilities"}
	}

	archive, err := provision.PackTarGz(workDir, bundleExcludes...)
	if err != nil {
		return fmt.Errorf("packing bundle: %w", err)
	}

	// Every build gets a fresh key so a rebuilt tool never resolves to a
	// previously cached archive.
	bundleKey := fmt.Sprintf("bundles/%s/%s.tar.gz", tool.ID, uuid.NewString())
	if err := r.blobs.Upload(ctx, bundleKey, archive); err != nil {
		return fmt.Errorf("uploading bundle: %w", err)
	}

	manifest := make([]registry.Capability, 0, len(caps))
	for _, cap := range caps {
		manifest = append(manifest, registry.Capability{
			ToolID:      tool.ID,
			Name:        cap.Name,
			Description: cap.Description,
			InputSchema: cap.InputSchema,
		})
	}
	if err := r.store.ReplaceCapabilities(ctx, tool.ID, manifest); err != nil {
		return err
	}

	tool.BundleKey = bundleKey
	tool.Status = registry.StatusActive
	tool.StatusMessage = ""
	if err := r.store.UpdateTool(ctx, tool); err != nil {
		return err
	}

	if r.cache != nil {
		if err := r.cache.Invalidate(tool.ID); err != nil {
			r.logger.Warn("failed to drop stale bundle cache", "tool_id", tool.ID, "error", err)
		}
	}

	r.logger.Info("tool registered",
		"tool_id", tool.ID,
		"name", tool.Name,
		"capabilities", len(manifest),
	)
	return nil
}

func (r *Runner) clone(ctx context.Context, repo, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cloneTimeout)
	defer cancel()

	out, err := r.exec.Run(ctx, r.buildDir, "git", "clone", "--depth", "1", repo, dest)
	if err != nil {
		return fmt.Errorf("cloning %s: %w\n%s", repo, err, out)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *tberrors.NotFoundError
	return tberrors.As(err, &nf)
}

func validateRequest(req RegisterRequest) error {
	if req.Name == "" {
		return &tberrors.ValidationError{Field: "name", Message: "name is required"}
	}
	if req.OwnerID == "" {
		return &tberrors.ValidationError{Field: "owner_id", Message: "owner is required"}
	}
	if req.Repo == "" {
		return &tberrors.ValidationError{Field: "repo", Message: "repository URL is required"}
	}
	if strings.TrimSpace(req.Command) == "" {
		return &tberrors.ValidationError{Field: "command", Message: "launch command is required"}
	}
	return nil
}

// splitCommand separates the launch command into program and fixed
// arguments. The split happens once at registration; invocation never
// reparses it.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
