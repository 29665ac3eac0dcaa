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

package registry

import (
	"context"
	"errors"
)

var (
	// ErrToolExists is returned when creating a tool whose name is already
	// taken by the same owner
	ErrToolExists = errors.New("tool already exists")

	// ErrCallerExists is returned when creating a caller with a duplicate name
	ErrCallerExists = errors.New("caller already exists")
)

// Store is the persistence interface for tools, capabilities, callers, and
// secrets.
type Store interface {
	// CreateTool inserts a new tool record.
	CreateTool(ctx context.Context, tool *Tool) error

	// GetTool retrieves a tool by id. Returns *errors.NotFoundError if absent.
	GetTool(ctx context.Context, id string) (*Tool, error)

	// GetToolByName retrieves a tool by owner and name. Returns
	// *errors.NotFoundError if absent.
	GetToolByName(ctx context.Context, ownerID, name string) (*Tool, error)

	// UpdateTool persists mutable tool fields (status, message, bundle key,
	// config, shared flag).
	UpdateTool(ctx context.Context, tool *Tool) error

	// DeleteTool removes a tool and its capabilities and secrets.
	DeleteTool(ctx context.Context, id string) error

	// ListVisibleTools returns tools the caller may see: those it owns plus
	// shared ones, in stable creation order.
	ListVisibleTools(ctx context.Context, callerID string) ([]*Tool, error)

	// ReplaceCapabilities atomically swaps a tool's capability manifest.
	ReplaceCapabilities(ctx context.Context, toolID string, caps []Capability) error

	// ListCapabilities returns a tool's manifest in advertised order.
	ListCapabilities(ctx context.Context, toolID string) ([]Capability, error)

	// CreateCaller inserts a new caller record.
	CreateCaller(ctx context.Context, caller *Caller) error

	// GetCaller retrieves a caller by id.
	GetCaller(ctx context.Context, id string) (*Caller, error)

	// ListCallers returns all callers sorted by creation time.
	ListCallers(ctx context.Context) ([]*Caller, error)

	// DeleteCaller removes a caller.
	DeleteCaller(ctx context.Context, id string) error

	// SetSecret encrypts and stores one secret for a tool, replacing any
	// existing value under the same key.
	SetSecret(ctx context.Context, toolID, key, value string) error

	// GetSecrets decrypts and returns all secrets for a tool.
	GetSecrets(ctx context.Context, toolID string) (map[string]string, error)

	// ListSecretKeys returns the secret key names for a tool, never values.
	ListSecretKeys(ctx context.Context, toolID string) ([]string, error)

	// DeleteSecret removes one secret.
	DeleteSecret(ctx context.Context, toolID, key string) error

	// Close releases the underlying database.
	Close() error
}
