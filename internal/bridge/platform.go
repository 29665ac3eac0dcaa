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

// Interpreter path resolution for the host platform.
// Kept separate from process spawning so it is testable without spawning.

package bridge

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// venvDirNames are the virtual-environment directory names the provisioner
// may have created inside a bundle.
var venvDirNames = []string{".venv", "venv"}

// venvBinDirName returns the executable subdirectory of a virtual
// environment on the current platform.
func venvBinDirName() string {
	if runtime.GOOS == "windows" {
		return "Scripts"
	}
	return "bin"
}

// exeSuffix appends the platform executable suffix to a bare program name.
func exeSuffix(name string) string {
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		return name + ".exe"
	}
	return name
}

// ResolveCommand resolves a start command for execution inside workDir.
//
// A command that references an interpreter inside a virtual environment
// (".venv/bin/python", "venv\\Scripts\\python.exe", ...) is normalized for
// the host platform and resolved to an absolute path. Other relative paths
// are anchored at workDir. Bare names are first looked up inside the
// bundle's venv executable directory, if one exists, and otherwise left for
// PATH resolution at spawn time.
func ResolveCommand(workDir, command string) string {
	norm := strings.ReplaceAll(command, "\\", "/")

	for _, venv := range venvDirNames {
		for _, sub := range []string{"bin", "Scripts"} {
			prefix := venv + "/" + sub + "/"
			if rest, ok := strings.CutPrefix(norm, prefix); ok {
				return filepath.Join(workDir, venv, venvBinDirName(), exeSuffix(rest))
			}
		}
	}

	if filepath.IsAbs(command) {
		return command
	}

	if strings.Contains(norm, "/") {
		return filepath.Join(workDir, filepath.FromSlash(norm))
	}

	// Bare name: prefer the venv's executables when the bundle has one.
	for _, venv := range venvDirNames {
		candidate := filepath.Join(workDir, venv, venvBinDirName(), exeSuffix(norm))
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return candidate
		}
	}

	return command
}

// VenvBinDir returns the absolute executable directory of the bundle's
// virtual environment, or "" if the bundle has none.
func VenvBinDir(workDir string) string {
	for _, venv := range venvDirNames {
		dir := filepath.Join(workDir, venv, venvBinDirName())
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
	}
	return ""
}
