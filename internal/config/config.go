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

// Package config loads daemon configuration from a YAML file with
// environment variable overrides. Precedence: defaults < file < environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the complete toolbridge daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Blob      BlobConfig      `yaml:"blob"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the gateway's HTTP listener.
type ServerConfig struct {
	// Addr is the listen address.
	// Environment: TOOLBRIDGE_ADDR
	// Default: 127.0.0.1:8710
	Addr string `yaml:"addr,omitempty"`

	// PublicURL is the externally reachable base URL, used when advertising
	// message endpoints to session clients. Defaults to http://<addr>.
	PublicURL string `yaml:"public_url,omitempty"`

	// HeartbeatInterval is how often idle session streams receive a
	// keepalive event. Default: 15s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	// SessionRateLimit is the per-remote rate of new session opens per
	// second. Default: 5
	SessionRateLimit float64 `yaml:"session_rate_limit,omitempty"`

	// SessionRateBurst is the burst allowance for session opens. Default: 10
	SessionRateBurst int `yaml:"session_rate_burst,omitempty"`
}

// AuthConfig configures caller authentication.
type AuthConfig struct {
	// Mode is "key" (bcrypt-hashed API keys) or "jwt" (HS256 bearer tokens).
	// Default: key
	Mode string `yaml:"mode,omitempty"`

	// JWTSecret signs and verifies HS256 tokens when Mode is "jwt".
	// Environment: TOOLBRIDGE_JWT_SECRET
	JWTSecret string `yaml:"jwt_secret,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn, or error. Default: info
	// Environment: TOOLBRIDGE_LOG_LEVEL
	Level string `yaml:"level,omitempty"`

	// Format is "json" or "text". Default: json
	Format string `yaml:"format,omitempty"`
}

// StorageConfig configures local persistence.
type StorageConfig struct {
	// DBPath is the SQLite database file.
	// Default: <data dir>/toolbridge.db
	DBPath string `yaml:"db_path,omitempty"`

	// CacheDir is the root of the provisioned bundle cache.
	// Default: <data dir>/bundles
	CacheDir string `yaml:"cache_dir,omitempty"`
}

// BlobConfig configures bundle archive storage.
type BlobConfig struct {
	// Backend is "fs" or "s3". Default: fs
	Backend string `yaml:"backend,omitempty"`

	// Root is the local directory for the fs backend.
	// Default: <data dir>/blobs
	Root string `yaml:"root,omitempty"`

	// Bucket is the S3 bucket for the s3 backend.
	Bucket string `yaml:"bucket,omitempty"`

	// Region is the AWS region for the s3 backend; empty uses the SDK's
	// default resolution.
	Region string `yaml:"region,omitempty"`
}

// BridgeConfig configures tool process execution.
type BridgeConfig struct {
	// HandshakeTimeout bounds the initialize exchange after spawn.
	// Default: 10s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`

	// ExecTimeout is the absolute deadline for one invocation, spawn to
	// response. Default: 2m
	// Environment: TOOLBRIDGE_EXEC_TIMEOUT
	ExecTimeout time.Duration `yaml:"exec_timeout,omitempty"`
}

// DiscoveryConfig configures tool registration builds.
type DiscoveryConfig struct {
	// CloneTimeout bounds the git clone of a tool repository. Default: 5m
	CloneTimeout time.Duration `yaml:"clone_timeout,omitempty"`

	// BuildDir is scratch space for registration builds.
	// Default: os.TempDir()
	BuildDir string `yaml:"build_dir,omitempty"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Enabled turns on span export. Default: false
	// Environment: TOOLBRIDGE_TRACING
	Enabled bool `yaml:"enabled,omitempty"`

	// Output is "stderr" or a file path spans are appended to.
	// Default: stderr
	Output string `yaml:"output,omitempty"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8710",
			HeartbeatInterval: 15 * time.Second,
			SessionRateLimit:  5,
			SessionRateBurst:  10,
		},
		Auth: AuthConfig{Mode: "key"},
		Log:  LogConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{
			DBPath:   filepath.Join(dataDir, "toolbridge.db"),
			CacheDir: filepath.Join(dataDir, "bundles"),
		},
		Blob: BlobConfig{
			Backend: "fs",
			Root:    filepath.Join(dataDir, "blobs"),
		},
		Bridge: BridgeConfig{
			HandshakeTimeout: 10 * time.Second,
			ExecTimeout:      2 * time.Minute,
		},
		Discovery: DiscoveryConfig{
			CloneTimeout: 5 * time.Minute,
			BuildDir:     os.TempDir(),
		},
		Tracing: TracingConfig{Output: "stderr"},
	}
}

// Load reads configuration from path, merging it over defaults and applying
// environment overrides. A missing file is not an error; defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		var err error
		if path, err = ConfigPath(); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays TOOLBRIDGE_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("TOOLBRIDGE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("TOOLBRIDGE_PUBLIC_URL"); v != "" {
		c.Server.PublicURL = v
	}
	if v := os.Getenv("TOOLBRIDGE_AUTH_MODE"); v != "" {
		c.Auth.Mode = v
	}
	if v := os.Getenv("TOOLBRIDGE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("TOOLBRIDGE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TOOLBRIDGE_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("TOOLBRIDGE_CACHE_DIR"); v != "" {
		c.Storage.CacheDir = v
	}
	if v := os.Getenv("TOOLBRIDGE_BLOB_BACKEND"); v != "" {
		c.Blob.Backend = v
	}
	if v := os.Getenv("TOOLBRIDGE_BLOB_ROOT"); v != "" {
		c.Blob.Root = v
	}
	if v := os.Getenv("TOOLBRIDGE_BLOB_BUCKET"); v != "" {
		c.Blob.Bucket = v
	}
	if v := os.Getenv("TOOLBRIDGE_EXEC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Bridge.ExecTimeout = d
		}
	}
	if v := os.Getenv("TOOLBRIDGE_SESSION_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Server.SessionRateLimit = f
		}
	}
	if v := os.Getenv("TOOLBRIDGE_TRACING"); v == "1" || v == "true" {
		c.Tracing.Enabled = true
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case "key":
	case "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("%w: auth.jwt_secret is required when auth.mode is jwt", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: auth.mode must be key or jwt, got %q", ErrInvalidConfig, c.Auth.Mode)
	}

	switch c.Blob.Backend {
	case "fs":
		if c.Blob.Root == "" {
			return fmt.Errorf("%w: blob.root is required for the fs backend", ErrInvalidConfig)
		}
	case "s3":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("%w: blob.bucket is required for the s3 backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: blob.backend must be fs or s3, got %q", ErrInvalidConfig, c.Blob.Backend)
	}

	if c.Bridge.HandshakeTimeout <= 0 {
		return fmt.Errorf("%w: bridge.handshake_timeout must be positive", ErrInvalidConfig)
	}
	if c.Bridge.ExecTimeout <= 0 {
		return fmt.Errorf("%w: bridge.exec_timeout must be positive", ErrInvalidConfig)
	}

	return nil
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "toolbridge")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "toolbridge")
	}
	return filepath.Join(home, ".local", "share", "toolbridge")
}
