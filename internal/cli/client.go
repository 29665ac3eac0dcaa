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

// Package cli holds shared plumbing for the toolbridge command: the root
// command and the thin HTTP client the subcommands use to talk to the
// daemon's management API.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// baseURL returns the daemon URL from the environment or the default local
// listen address.
func baseURL() string {
	if url := os.Getenv("TOOLBRIDGE_URL"); url != "" {
		return url
	}
	return "http://127.0.0.1:8710"
}

var httpClient = &http.Client{Timeout: 10 * time.Minute}

// Request performs an API call against the daemon and decodes the JSON
// response into out (which may be nil for empty responses). Non-2xx
// responses become errors carrying the server's message.
func Request(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, baseURL()+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", baseURL(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		// Registration failures return the failed tool record instead of an
		// error envelope; surface the body as-is.
		if len(data) > 0 && out != nil && json.Unmarshal(data, out) == nil {
			return fmt.Errorf("request failed (HTTP %d)", resp.StatusCode)
		}
		return fmt.Errorf("request failed (HTTP %d): %s", resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
