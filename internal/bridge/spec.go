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
	"os"
	"sort"
	"strings"
)

// ProcessSpec describes one tool invocation: where to run, what to run, and
// the configuration layered onto it.
type ProcessSpec struct {
	// Dir is the provisioned working directory of the tool bundle.
	Dir string

	// Command is the executable from the registration's start command.
	Command string

	// Args are the start command's arguments.
	Args []string

	// Env is the tool configuration's environment map.
	Env map[string]string

	// Secrets are the per-tool secret pairs. On key conflict with Env,
	// secrets win.
	Secrets map[string]string

	// DefaultArguments are administrator-configured argument overrides.
	// On key conflict with caller-supplied arguments, defaults win.
	DefaultArguments map[string]any
}

// buildEnv computes the final child environment: process-wide defaults,
// overlaid with the tool configuration env, overlaid with secrets.
// The venv executable directory, when present, is prepended to PATH so bare
// command names inside the bundle resolve to the venv's interpreters.
func buildEnv(spec ProcessSpec) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range spec.Env {
		merged[k] = v
	}
	for k, v := range spec.Secrets {
		merged[k] = v
	}

	if binDir := VenvBinDir(spec.Dir); binDir != "" {
		if existing, ok := merged["PATH"]; ok && existing != "" {
			merged["PATH"] = binDir + string(os.PathListSeparator) + existing
		} else {
			merged["PATH"] = binDir
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// MergeArguments overlays administrator defaults onto caller-supplied
// arguments. Defaults win on conflict: administrators can force settings
// regardless of what the caller sends.
func MergeArguments(callerArgs, defaults map[string]any) map[string]any {
	merged := make(map[string]any, len(callerArgs)+len(defaults))
	for k, v := range callerArgs {
		merged[k] = v
	}
	for k, v := range defaults {
		merged[k] = v
	}
	return merged
}
