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

// Package registry persists registered tools, their capability manifests,
// callers, and encrypted secrets.
package registry

import (
	"encoding/json"
	"time"
)

// Tool status values. A tool is invocable only while active.
const (
	StatusPending  = "pending"
	StatusBuilding = "building"
	StatusActive   = "active"
	StatusFailed   = "failed"
)

// Tool is a registered third-party tool.
type Tool struct {
	// ID is the stable unique identifier (UUID)
	ID string `json:"id"`

	// Name is the human-readable display name
	Name string `json:"name"`

	// OwnerID is the caller that registered the tool
	OwnerID string `json:"owner_id"`

	// Repo is the source repository URL the bundle was built from
	Repo string `json:"repo,omitempty"`

	// BundleKey locates the packed bundle in the blob store
	BundleKey string `json:"bundle_key,omitempty"`

	// Command launches the tool process, relative to the bundle directory
	Command string `json:"command"`

	// Args are fixed arguments placed before any invocation arguments
	Args []string `json:"args,omitempty"`

	// Config holds per-tool execution configuration
	Config ToolConfig `json:"config"`

	// Shared makes the tool visible to every caller, not just the owner
	Shared bool `json:"shared"`

	// Status is one of pending, building, active, failed
	Status string `json:"status"`

	// StatusMessage explains a failed status
	StatusMessage string `json:"status_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ToolConfig is execution configuration stored alongside a tool.
type ToolConfig struct {
	// Env is merged over the host environment when spawning the process
	Env map[string]string `json:"env,omitempty"`

	// DefaultArguments are merged over caller-supplied arguments on every
	// invocation; a default wins any collision
	DefaultArguments map[string]any `json:"default_arguments,omitempty"`
}

// Capability is one operation a tool advertises, captured at registration.
type Capability struct {
	// ToolID is the owning tool
	ToolID string `json:"tool_id"`

	// Name is the capability name as the tool advertises it
	Name string `json:"name"`

	// Description is the tool-supplied description
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON schema for the capability's arguments
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Caller is an authenticated client of the gateway.
type Caller struct {
	// ID is the stable unique identifier (UUID)
	ID string `json:"id"`

	// Name is the human-readable label
	Name string `json:"name"`

	// KeyHash is the bcrypt hash of the caller's API key; the plaintext key
	// is shown once at creation and never stored
	KeyHash string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
}
