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

// Package gateway exposes registered tools to authenticated callers over an
// MCP-compatible SSE surface. Each caller sees the tools it owns plus shared
// ones; every invocation runs the target tool as a fresh process.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/toolbridge/toolbridge/internal/bridge"
	"github.com/toolbridge/toolbridge/internal/provision"
	"github.com/toolbridge/toolbridge/internal/registry"
	tberrors "github.com/toolbridge/toolbridge/pkg/errors"
)

var tracer = otel.Tracer("toolbridge/gateway")

// Invoker runs one capability call against a provisioned tool process.
// *bridge.Bridge is the production implementation.
type Invoker interface {
	CallCapability(ctx context.Context, spec bridge.ProcessSpec, name string, args map[string]any) (*bridge.Result, error)
}

// Service resolves capabilities against the registry and executes them
// through the process bridge.
type Service struct {
	store   registry.Store
	prov    *provision.Provisioner
	invoker Invoker
	logger  *slog.Logger
}

// NewService creates a Service.
func NewService(store registry.Store, prov *provision.Provisioner, invoker Invoker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, prov: prov, invoker: invoker, logger: logger}
}

// ListCapabilities returns the capabilities of every active tool visible to
// the caller, in stable tool creation order. When two tools advertise the
// same capability name the earlier-registered tool wins the name.
func (s *Service) ListCapabilities(ctx context.Context, callerID string) ([]registry.Capability, error) {
	tools, err := s.store.ListVisibleTools(ctx, callerID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []registry.Capability
	for _, tool := range tools {
		if tool.Status != registry.StatusActive {
			continue
		}
		caps, err := s.store.ListCapabilities(ctx, tool.ID)
		if err != nil {
			return nil, err
		}
		for _, cap := range caps {
			if seen[cap.Name] {
				continue
			}
			seen[cap.Name] = true
			out = append(out, cap)
		}
	}
	return out, nil
}

// CallCapability resolves name against the caller's visible tools and
// invokes it with the given arguments. Tool default arguments override
// caller arguments on collision.
func (s *Service) CallCapability(ctx context.Context, callerID, name string, args map[string]any) (*bridge.Result, error) {
	ctx, span := tracer.Start(ctx, "gateway.CallCapability")
	span.SetAttributes(attribute.String("capability", name))
	defer span.End()

	tool, err := s.resolve(ctx, callerID, name)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("tool.id", tool.ID))

	start := time.Now()
	result, err := s.invoke(ctx, tool, name, args)

	status := "ok"
	if err != nil {
		status = "error"
	}
	invocationsTotal.WithLabelValues(tool.Name, status).Inc()
	invocationDuration.WithLabelValues(tool.Name, status).Observe(time.Since(start).Seconds())

	if err != nil {
		s.logger.Warn("capability invocation failed",
			"capability", name,
			"tool_id", tool.ID,
			"caller_id", callerID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	s.logger.Info("capability invoked",
		"capability", name,
		"tool_id", tool.ID,
		"caller_id", callerID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// resolve finds the visible active tool advertising the capability. Earlier
// registration wins when several match.
func (s *Service) resolve(ctx context.Context, callerID, name string) (*registry.Tool, error) {
	tools, err := s.store.ListVisibleTools(ctx, callerID)
	if err != nil {
		return nil, err
	}

	for _, tool := range tools {
		if tool.Status != registry.StatusActive {
			continue
		}
		caps, err := s.store.ListCapabilities(ctx, tool.ID)
		if err != nil {
			return nil, err
		}
		for _, cap := range caps {
			if cap.Name == name {
				return tool, nil
			}
		}
	}
	return nil, &tberrors.CapabilityNotFoundError{Name: name}
}

func (s *Service) invoke(ctx context.Context, tool *registry.Tool, name string, args map[string]any) (*bridge.Result, error) {
	dir, cold, err := s.prov.Ensure(ctx, tool.ID, tool.BundleKey)
	if err != nil {
		return nil, err
	}
	if cold {
		coldStartsTotal.WithLabelValues(tool.Name).Inc()
	}

	secrets, err := s.store.GetSecrets(ctx, tool.ID)
	if err != nil {
		return nil, fmt.Errorf("loading secrets for tool %s: %w", tool.ID, err)
	}

	spec := bridge.ProcessSpec{
		Dir:              dir,
		Command:          tool.Command,
		Args:             tool.Args,
		Env:              tool.Config.Env,
		Secrets:          secrets,
		DefaultArguments: tool.Config.DefaultArguments,
	}
	return s.invoker.CallCapability(ctx, spec, name, args)
}
