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

package errors

import (
	"fmt"
	"time"
)

// ProvisioningError represents a failure to make a tool bundle runnable.
// Use this for download, extraction, and required dependency-install failures.
type ProvisioningError struct {
	// ToolID identifies the tool whose bundle failed to provision
	ToolID string

	// Step names the provisioning phase that failed (e.g., "download", "extract", "pip-install")
	Step string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProvisioningError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("provisioning tool %s failed at %s: %v", e.ToolID, e.Step, e.Cause)
	}
	return fmt.Sprintf("provisioning tool %s failed at %s", e.ToolID, e.Step)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProvisioningError) Unwrap() error {
	return e.Cause
}

// HandshakeTimeoutError indicates a spawned tool process never completed the
// initialize exchange within the handshake window.
type HandshakeTimeoutError struct {
	// Timeout is the handshake window that elapsed
	Timeout time.Duration
}

// Error implements the error interface.
func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("tool process did not complete handshake within %v", e.Timeout)
}

// ProcessCrashError indicates a spawned tool process exited before the
// invocation settled. It carries the exit code and captured stderr so the
// failure is diagnosable without re-running the tool.
type ProcessCrashError struct {
	// ExitCode is the process exit code (-1 if killed by a signal)
	ExitCode int

	// Stderr is the tail of the captured standard-error stream
	Stderr string
}

// Error implements the error interface.
func (e *ProcessCrashError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("tool process exited with code %d: %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("tool process exited with code %d before responding", e.ExitCode)
}

// ExecutionTimeoutError indicates an invocation ran past the absolute
// execution deadline and the process was killed.
type ExecutionTimeoutError struct {
	// Timeout is the absolute invocation deadline that elapsed
	Timeout time.Duration
}

// Error implements the error interface.
func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("tool invocation exceeded execution timeout of %v", e.Timeout)
}

// CapabilityNotFoundError indicates no tool visible to the caller advertises
// the requested capability.
type CapabilityNotFoundError struct {
	// Name is the capability that was requested
	Name string
}

// Error implements the error interface.
func (e *CapabilityNotFoundError) Error() string {
	return fmt.Sprintf("capability not found: %s", e.Name)
}

// AuthorizationError indicates a session could not be established or an
// operation was attempted outside the caller's visibility.
type AuthorizationError struct {
	// Reason explains why authorization failed
	Reason string
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("authorization failed: %s", e.Reason)
	}
	return "authorization failed"
}

// ValidationError represents input validation failures.
// Use this for invalid registration input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "tool", "caller", "session")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}
