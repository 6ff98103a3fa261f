// Copyright © 2023 Alibaba Group Holding Ltd.
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

package cmd

import (
	"github.com/spf13/cobra"

	"github.com/queer/peckish/pkg/config"
	"github.com/queer/peckish/pkg/tester"
)

// NewTestCmd verifies already-produced packages by installing them with
// native tooling inside containers.
func NewTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "install produced packages in containers to verify them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(rootOpt.cfgFile)
			if err != nil {
				return err
			}
			return tester.TestArtifacts(cmd.Context(), cfg)
		},
	}
}
