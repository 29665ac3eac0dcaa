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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	tberrors "github.com/toolbridge/toolbridge/pkg/errors"
)

// InstallDeps installs runtime dependencies for the bundle at dir. The
// runtime is detected from marker files: package.json means node,
// requirements.txt or pyproject.toml means python. A bundle with neither
// marker needs no install step.
func InstallDeps(ctx context.Context, dir string, run Runner, logger *slog.Logger) error {
	if fileExists(filepath.Join(dir, "package.json")) {
		return installNode(ctx, dir, run, logger)
	}
	if fileExists(filepath.Join(dir, "requirements.txt")) || fileExists(filepath.Join(dir, "pyproject.toml")) {
		return installPython(ctx, dir, run, logger)
	}
	logger.Debug("no runtime markers found, skipping dependency install", "dir", dir)
	return nil
}

type packageJSON struct {
	Main    string            `json:"main"`
	Scripts map[string]string `json:"scripts"`
}

func installNode(ctx context.Context, dir string, run Runner, logger *slog.Logger) error {
	var pkg packageJSON
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return &tberrors.ProvisioningError{Step: "npm-install", Cause: err}
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return &tberrors.ProvisioningError{Step: "npm-install",
			Cause: fmt.Errorf("parsing package.json: %w", err)}
	}

	name, args := nodeInstallCommand(dir)
	logger.Info("installing node dependencies", "dir", dir, "manager", name)
	if out, err := run.Run(ctx, dir, name, args...); err != nil {
		return &tberrors.ProvisioningError{Step: "npm-install",
			Cause: fmt.Errorf("%s %v: %w\n%s", name, args, err, out)}
	}

	if _, ok := pkg.Scripts["build"]; ok {
		out, err := run.Run(ctx, dir, name, "run", "build")
		if err != nil {
			// A failed build is only fatal when the declared entry point is
			// missing afterwards; some packages ship prebuilt output.
			if pkg.Main != "" && fileExists(filepath.Join(dir, filepath.FromSlash(pkg.Main))) {
				logger.Warn("build script failed but entry point exists, continuing",
					"dir", dir, "error", err)
			} else {
				return &tberrors.ProvisioningError{Step: "npm-build",
					Cause: fmt.Errorf("%s run build: %w\n%s", name, err, out)}
			}
		}
	}
	return nil
}

// nodeInstallCommand picks the package manager from the lockfile present.
func nodeInstallCommand(dir string) (string, []string) {
	switch {
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return "pnpm", []string{"install", "--prod", "--frozen-lockfile"}
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return "yarn", []string{"install", "--production", "--frozen-lockfile"}
	case fileExists(filepath.Join(dir, "package-lock.json")):
		return "npm", []string{"ci", "--omit=dev"}
	default:
		return "npm", []string{"install", "--omit=dev"}
	}
}

func installPython(ctx context.Context, dir string, run Runner, logger *slog.Logger) error {
	logger.Info("creating python virtual environment", "dir", dir)

	// Always rebuild the venv; a stale one from a previous extract may point
	// at interpreter paths that no longer exist.
	if err := os.RemoveAll(filepath.Join(dir, ".venv")); err != nil {
		return &tberrors.ProvisioningError{Step: "venv", Cause: err}
	}
	if out, err := run.Run(ctx, dir, pythonCommand(), "-m", "venv", ".venv"); err != nil {
		return &tberrors.ProvisioningError{Step: "venv",
			Cause: fmt.Errorf("python -m venv: %w\n%s", err, out)}
	}

	pip := venvPip(dir)
	if out, err := run.Run(ctx, dir, pip, "install", "--upgrade", "pip"); err != nil {
		logger.Warn("pip self-upgrade failed, continuing with bundled pip",
			"dir", dir, "error", err, "output", string(out))
	}

	if fileExists(filepath.Join(dir, "requirements.txt")) {
		if out, err := run.Run(ctx, dir, pip, "install", "-r", "requirements.txt"); err != nil {
			return &tberrors.ProvisioningError{Step: "pip-install",
				Cause: fmt.Errorf("pip install -r requirements.txt: %w\n%s", err, out)}
		}
	}

	if fileExists(filepath.Join(dir, "pyproject.toml")) {
		if out, err := run.Run(ctx, dir, pip, "install", "-e", "."); err != nil {
			logger.Warn("editable install failed, continuing",
				"dir", dir, "error", err, "output", string(out))
		}
	}
	return nil
}

func pythonCommand() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

func venvPip(dir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(dir, ".venv", "Scripts", "pip.exe")
	}
	return filepath.Join(dir, ".venv", "bin", "pip")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
