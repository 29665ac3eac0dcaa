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

package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root Cobra command for toolbridge.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "toolbridge",
		Short: "Toolbridge - register and serve third-party tools",
		Long: `Toolbridge manages a bridge between MCP clients and third-party tools.
Register a tool from its repository and toolbridge will build it, capture
its capabilities, and serve them to authenticated callers, running the
tool as a fresh process for every invocation.

Set TOOLBRIDGE_URL to point at a daemon other than the local default.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	return cmd
}
