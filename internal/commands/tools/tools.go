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

// Package tools implements the tool management subcommands.
package tools

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/toolbridge/toolbridge/internal/cli"
	"github.com/toolbridge/toolbridge/internal/registry"
)

var (
	registerOwner       string
	registerRepo        string
	registerCommand     string
	registerEnv         []string
	registerDefaultArgs []string
	registerShared      bool
)

// NewCommand creates the tools command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Manage registered tools",
		Long: `Register, inspect, and remove tools.

Registration clones the tool's repository, installs its dependencies,
runs it once to capture its capabilities, and stores the packed bundle.
A tool becomes invocable only when registration fully succeeds.

Examples:
  toolbridge tools register weather --owner <caller-id> \
      --repo https://github.com/example/weather-mcp \
      --command "python server.py"
  toolbridge tools list
  toolbridge tools show <tool-id>
  toolbridge tools remove <tool-id>`,
	}

	cmd.AddCommand(newRegisterCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newRemoveCommand())

	return cmd
}

func newRegisterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register a tool from its repository",
		Args:  cobra.ExactArgs(1),
		RunE:  runRegister,
	}

	cmd.Flags().StringVar(&registerOwner, "owner", "", "Caller ID that owns the tool (required)")
	cmd.Flags().StringVar(&registerRepo, "repo", "", "Git repository URL (required)")
	cmd.Flags().StringVar(&registerCommand, "command", "", "Launch command relative to the bundle root (required)")
	cmd.Flags().StringArrayVar(&registerEnv, "env", nil, "Environment variable KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&registerDefaultArgs, "default-arg", nil, "Argument KEY=VALUE forced onto every invocation (repeatable)")
	cmd.Flags().BoolVar(&registerShared, "shared", false, "Make the tool visible to all callers")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("command")

	return cmd
}

func runRegister(cmd *cobra.Command, args []string) error {
	env, err := parsePairs("--env", registerEnv)
	if err != nil {
		return err
	}
	defaults, err := parsePairs("--default-arg", registerDefaultArgs)
	if err != nil {
		return err
	}

	body := map[string]any{
		"name":     args[0],
		"owner_id": registerOwner,
		"repo":     registerRepo,
		"command":  registerCommand,
		"shared":   registerShared,
	}
	if len(env) > 0 {
		body["env"] = env
	}
	if len(defaults) > 0 {
		defaultArgs := make(map[string]any, len(defaults))
		for key, value := range defaults {
			defaultArgs[key] = value
		}
		body["default_arguments"] = defaultArgs
	}

	var tool registry.Tool
	if err := cli.Request(http.MethodPost, "/v1/tools", body, &tool); err != nil {
		if tool.Status == registry.StatusFailed {
			return fmt.Errorf("registration failed: %s", tool.StatusMessage)
		}
		return err
	}

	fmt.Printf("Registered %s (%s)\n", tool.Name, tool.ID)
	return nil
}

// parsePairs parses repeatable KEY=VALUE flag values.
func parsePairs(flag string, pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid %s value %q, expected KEY=VALUE", flag, kv)
		}
		out[key] = value
	}
	return out, nil
}

func newListCommand() *cobra.Command {
	var callerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/tools"
			if callerID != "" {
				path += "?caller_id=" + callerID
			}
			var tools []registry.Tool
			if err := cli.Request(http.MethodGet, path, nil, &tools); err != nil {
				return err
			}
			if len(tools) == 0 {
				fmt.Println("No tools registered.")
				return nil
			}
			for _, tool := range tools {
				shared := ""
				if tool.Shared {
					shared = " (shared)"
				}
				fmt.Printf("%s  %-20s %s%s\n", tool.ID, tool.Name, tool.Status, shared)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&callerID, "caller", "", "Show tools visible to this caller")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <tool-id>",
		Short: "Show a tool and its capabilities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tool registry.Tool
			if err := cli.Request(http.MethodGet, "/v1/tools/"+args[0], nil, &tool); err != nil {
				return err
			}

			fmt.Printf("Name:    %s\n", tool.Name)
			fmt.Printf("ID:      %s\n", tool.ID)
			fmt.Printf("Owner:   %s\n", tool.OwnerID)
			fmt.Printf("Repo:    %s\n", tool.Repo)
			fmt.Printf("Command: %s %s\n", tool.Command, strings.Join(tool.Args, " "))
			fmt.Printf("Status:  %s\n", tool.Status)
			if tool.StatusMessage != "" {
				fmt.Printf("Message: %s\n", tool.StatusMessage)
			}

			var caps []registry.Capability
			if err := cli.Request(http.MethodGet, "/v1/tools/"+args[0]+"/capabilities", nil, &caps); err != nil {
				return err
			}
			if len(caps) > 0 {
				fmt.Println("Capabilities:")
				for _, cap := range caps {
					fmt.Printf("  %-24s %s\n", cap.Name, cap.Description)
				}
			}
			return nil
		},
	}
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <tool-id>",
		Short: "Remove a registered tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.Request(http.MethodDelete, "/v1/tools/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Println("Removed.")
			return nil
		},
	}
}
