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

// Package callers implements caller management subcommands.
package callers

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/toolbridge/toolbridge/internal/cli"
	"github.com/toolbridge/toolbridge/internal/registry"
)

// NewCommand creates the callers command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callers",
		Short: "Manage authenticated callers",
		Long: `Create and manage callers, the authenticated clients of the gateway.

Creating a caller prints its API key exactly once; only a hash is stored.

Examples:
  toolbridge callers add my-agent
  toolbridge callers list
  toolbridge callers remove <caller-id>`,
	}

	cmd.AddCommand(newAddCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newRemoveCommand())

	return cmd
}

func newAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "add <name>",
		Short: "Create a caller and print its API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				ID   string `json:"id"`
				Name string `json:"name"`
				Key  string `json:"key"`
			}
			body := map[string]string{"name": args[0]}
			if err := cli.Request(http.MethodPost, "/v1/callers", body, &resp); err != nil {
				return err
			}

			fmt.Printf("Created caller %s (%s)\n", resp.Name, resp.ID)
			fmt.Printf("API key (shown once, store it now): %s\n", resp.Key)
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List callers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var callers []registry.Caller
			if err := cli.Request(http.MethodGet, "/v1/callers", nil, &callers); err != nil {
				return err
			}
			if len(callers) == 0 {
				fmt.Println("No callers.")
				return nil
			}
			for _, caller := range callers {
				fmt.Printf("%s  %s\n", caller.ID, caller.Name)
			}
			return nil
		},
	}
}

func newRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <caller-id>",
		Short: "Remove a caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.Request(http.MethodDelete, "/v1/callers/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Println("Removed.")
			return nil
		},
	}
}
