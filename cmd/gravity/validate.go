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

package main

import (
	"errors"
	"fmt"

	"github.com/Bikeman868/Gravity-sub000/config"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := config.LoadConfigWithEnvOverrides(cfgFile)
			var invalid config.ValidationError
			if errors.As(err, &invalid) {
				for _, field := range invalid.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", field)
				}
				return fmt.Errorf("%s: %d problems found", cfgFile, len(invalid.Errors))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration valid\n", cfgFile)
			return nil
		},
	}
}
