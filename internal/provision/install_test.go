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

package provision

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	tberrors "github.com/toolbridge/toolbridge/pkg/errors"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestInstallDepsNoMarkers(t *testing.T) {
	run := &recordingRunner{}
	if err := InstallDeps(context.Background(), t.TempDir(), run, discard()); err != nil {
		t.Fatalf("InstallDeps() error = %v", err)
	}
	if len(run.calls) != 0 {
		t.Errorf("InstallDeps() ran commands for an empty bundle: %v", run.calls)
	}
}

func TestNodeInstallCommandLockfiles(t *testing.T) {
	tests := []struct {
		name     string
		lockfile string
		wantCmd  string
	}{
		{"pnpm lockfile", "pnpm-lock.yaml", "pnpm"},
		{"yarn lockfile", "yarn.lock", "yarn"},
		{"npm lockfile", "package-lock.json", "npm"},
		{"no lockfile", "", "npm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.lockfile != "" {
				writeFiles(t, dir, map[string]string{tt.lockfile: ""})
			}
			name, _ := nodeInstallCommand(dir)
			if name != tt.wantCmd {
				t.Errorf("nodeInstallCommand() = %q, want %q", name, tt.wantCmd)
			}
		})
	}
}

func TestInstallNodeRunsBuildScript(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"package.json": `{"main":"dist/index.js","scripts":{"build":"tsc"}}`,
	})

	run := &recordingRunner{}
	if err := InstallDeps(context.Background(), dir, run, discard()); err != nil {
		t.Fatalf("InstallDeps() error = %v", err)
	}
	if !run.called("npm install --omit=dev") {
		t.Errorf("dependencies not installed: %v", run.calls)
	}
	if !run.called("run build") {
		t.Errorf("build script not run: %v", run.calls)
	}
}

func TestInstallNodeBuildFailureFatalWithoutEntryPoint(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"package.json": `{"main":"dist/index.js","scripts":{"build":"tsc"}}`,
	})

	run := &recordingRunner{fail: map[string]error{"run build": errors.New("exit status 2")}}
	err := InstallDeps(context.Background(), dir, run, discard())
	var perr *tberrors.ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("InstallDeps() error = %v, want *ProvisioningError", err)
	}
	if perr.Step != "npm-build" {
		t.Errorf("Step = %q, want npm-build", perr.Step)
	}
}

func TestInstallNodeBuildFailureToleratedWithEntryPoint(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"package.json":  `{"main":"dist/index.js","scripts":{"build":"tsc"}}`,
		"dist/index.js": "// prebuilt\n",
	})

	run := &recordingRunner{fail: map[string]error{"run build": errors.New("exit status 2")}}
	if err := InstallDeps(context.Background(), dir, run, discard()); err != nil {
		t.Fatalf("InstallDeps() error = %v, want nil when entry point exists", err)
	}
}

func TestInstallPythonPipUpgradeFailureTolerated(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"requirements.txt": "requests\n"})

	run := &recordingRunner{fail: map[string]error{"install --upgrade pip": errors.New("exit status 1")}}
	if err := InstallDeps(context.Background(), dir, run, discard()); err != nil {
		t.Fatalf("InstallDeps() error = %v, want nil for pip self-upgrade failure", err)
	}
	if !run.called("install -r requirements.txt") {
		t.Errorf("requirements install skipped after tolerated failure: %v", run.calls)
	}
}

func TestInstallPythonEditableInstallFailureTolerated(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"pyproject.toml": "[project]\nname = \"tool\"\n"})

	run := &recordingRunner{fail: map[string]error{"install -e .": errors.New("exit status 1")}}
	if err := InstallDeps(context.Background(), dir, run, discard()); err != nil {
		t.Fatalf("InstallDeps() error = %v, want nil for editable install failure", err)
	}
}

func TestInstallPythonVenvCreationFatal(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"requirements.txt": "requests\n"})

	run := &recordingRunner{fail: map[string]error{"-m venv .venv": errors.New("exit status 1")}}
	err := InstallDeps(context.Background(), dir, run, discard())
	var perr *tberrors.ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("InstallDeps() error = %v, want *ProvisioningError", err)
	}
	if perr.Step != "venv" {
		t.Errorf("Step = %q, want venv", perr.Step)
	}
}
