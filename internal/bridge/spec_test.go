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
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func envValue(env []string, key string) (string, bool) {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func TestBuildEnvMergeOrder(t *testing.T) {
	t.Setenv("TOOLBRIDGE_TEST_HOST", "from-host")
	t.Setenv("TOOLBRIDGE_TEST_BOTH", "from-host")

	env := buildEnv(ProcessSpec{
		Dir: t.TempDir(),
		Env: map[string]string{
			"TOOLBRIDGE_TEST_BOTH":   "from-config",
			"TOOLBRIDGE_TEST_CONFIG": "from-config",
			"TOOLBRIDGE_TEST_SECRET": "from-config",
		},
		Secrets: map[string]string{
			"TOOLBRIDGE_TEST_SECRET": "from-secret",
		},
	})

	tests := []struct {
		key  string
		want string
	}{
		{"TOOLBRIDGE_TEST_HOST", "from-host"},
		{"TOOLBRIDGE_TEST_BOTH", "from-config"},
		{"TOOLBRIDGE_TEST_CONFIG", "from-config"},
		{"TOOLBRIDGE_TEST_SECRET", "from-secret"}, // secrets beat config env
	}
	for _, tt := range tests {
		got, ok := envValue(env, tt.key)
		if !ok {
			t.Errorf("buildEnv() missing %s", tt.key)
			continue
		}
		if got != tt.want {
			t.Errorf("buildEnv() %s = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestBuildEnvPrependsVenvPath(t *testing.T) {
	dir := t.TempDir()
	binDir := filepath.Join(dir, ".venv", venvBinDirName())
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatal(err)
	}

	env := buildEnv(ProcessSpec{Dir: dir})
	path, ok := envValue(env, "PATH")
	if !ok {
		t.Fatal("buildEnv() produced no PATH")
	}
	if !strings.HasPrefix(path, binDir+string(os.PathListSeparator)) && path != binDir {
		t.Errorf("PATH = %q, want prefix %q", path, binDir)
	}
}

func TestMergeArguments(t *testing.T) {
	tests := []struct {
		name     string
		caller   map[string]any
		defaults map[string]any
		want     map[string]any
	}{
		{
			name:   "defaults win on conflict",
			caller: map[string]any{"region": "us-east-1", "limit": 10},
			defaults: map[string]any{
				"region": "eu-west-1",
			},
			want: map[string]any{"region": "eu-west-1", "limit": 10},
		},
		{
			name:     "nil caller args",
			caller:   nil,
			defaults: map[string]any{"region": "eu-west-1"},
			want:     map[string]any{"region": "eu-west-1"},
		},
		{
			name:   "nil defaults",
			caller: map[string]any{"limit": 10},
			want:   map[string]any{"limit": 10},
		},
		{
			name: "both nil",
			want: map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeArguments(tt.caller, tt.defaults)
			if len(got) != len(tt.want) {
				t.Fatalf("MergeArguments() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("MergeArguments()[%s] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestResolveCommand(t *testing.T) {
	workDir := t.TempDir()

	tests := []struct {
		name    string
		command string
		want    string
	}{
		{
			name:    "unix venv interpreter",
			command: ".venv/bin/python",
			want:    filepath.Join(workDir, ".venv", venvBinDirName(), exeSuffix("python")),
		},
		{
			name:    "windows style venv interpreter",
			command: `venv\Scripts\python.exe`,
			want:    filepath.Join(workDir, "venv", venvBinDirName(), "python.exe"),
		},
		{
			name:    "relative script anchored at bundle",
			command: "dist/index.js",
			want:    filepath.Join(workDir, "dist", "index.js"),
		},
		{
			name:    "bare name without venv left to PATH",
			command: "node",
			want:    "node",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveCommand(workDir, tt.command); got != tt.want {
				t.Errorf("ResolveCommand(%q) = %q, want %q", tt.command, got, tt.want)
			}
		})
	}
}

func TestResolveCommandPrefersVenvForBareName(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("venv layout differs on windows")
	}
	workDir := t.TempDir()
	binDir := filepath.Join(workDir, ".venv", "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatal(err)
	}
	interp := filepath.Join(binDir, "python")
	if err := os.WriteFile(interp, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	if got := ResolveCommand(workDir, "python"); got != interp {
		t.Errorf("ResolveCommand(python) = %q, want %q", got, interp)
	}
}
