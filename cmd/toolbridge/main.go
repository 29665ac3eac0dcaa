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

package main

import (
	"fmt"
	"os"

	"github.com/toolbridge/toolbridge/internal/cli"
	"github.com/toolbridge/toolbridge/internal/commands/callers"
	"github.com/toolbridge/toolbridge/internal/commands/secrets"
	"github.com/toolbridge/toolbridge/internal/commands/tools"
	versioncmd "github.com/toolbridge/toolbridge/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
)

func main() {
	root := cli.NewRootCommand()
	root.AddCommand(tools.NewCommand())
	root.AddCommand(callers.NewCommand())
	root.AddCommand(secrets.NewCommand())
	root.AddCommand(versioncmd.NewCommand(version))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
