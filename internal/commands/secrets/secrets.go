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

// Package secrets implements per-tool secret management subcommands.
package secrets

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/toolbridge/toolbridge/internal/cli"
)

// NewCommand creates the secrets command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage per-tool secrets",
		Long: `Store secrets injected into a tool's environment at invocation time.

Secrets are encrypted at rest and win collisions with the tool's plain
environment configuration. Values are read from a hidden prompt or from
standard input.

Examples:
  toolbridge secrets set <tool-id> API_TOKEN
  echo "value" | toolbridge secrets set <tool-id> API_TOKEN
  toolbridge secrets list <tool-id>
  toolbridge secrets unset <tool-id> API_TOKEN`,
	}

	cmd.AddCommand(newSetCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newUnsetCommand())

	return cmd
}

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <tool-id> <key>",
		Short: "Store a secret for a tool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := readSecretValue()
			if err != nil {
				return err
			}

			path := fmt.Sprintf("/v1/tools/%s/secrets/%s", args[0], args[1])
			body := map[string]string{"value": value}
			if err := cli.Request(http.MethodPut, path, body, nil); err != nil {
				return err
			}
			fmt.Printf("Secret %s set.\n", args[1])
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <tool-id>",
		Short: "List a tool's secret keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var keys []string
			if err := cli.Request(http.MethodGet, "/v1/tools/"+args[0]+"/secrets", nil, &keys); err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println("No secrets.")
				return nil
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			return nil
		},
	}
}

func newUnsetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unset <tool-id> <key>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/tools/%s/secrets/%s", args[0], args[1])
			if err := cli.Request(http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			fmt.Printf("Secret %s removed.\n", args[1])
			return nil
		},
	}
}

// readSecretValue reads the value from a hidden terminal prompt, falling
// back to standard input when piped.
func readSecretValue() (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Value: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read value: %w", err)
		}
		return string(raw), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read value from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
