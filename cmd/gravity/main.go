// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command gravity runs the Gravity reverse proxy.
//
// Usage:
//
//	# Start the proxy
//	gravity run --config gravity.yaml
//
//	# Reload the configuration whenever the file changes
//	gravity run --config gravity.yaml --watch
//
//	# Check a configuration file without starting the proxy
//	gravity validate --config gravity.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals
var cfgFile string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gravity",
		Short: "Gravity - HTTP reverse proxy and load balancer",
		Long: `Gravity forwards HTTP requests through a configurable graph of nodes:
routers, load balancers, transforms and backend servers.

The configuration is a YAML file. Values may be overridden with GRAVITY_*
environment variables, such as GRAVITY_LOGGING_LEVEL=debug.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "gravity.yaml", "config file path")
	root.AddCommand(newRunCommand(), newValidateCommand(), newVersionCommand())
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
