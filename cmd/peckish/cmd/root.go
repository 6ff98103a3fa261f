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
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/queer/peckish/pkg/config"
	"github.com/queer/peckish/pkg/logger"
	"github.com/queer/peckish/pkg/pipeline"
	"github.com/queer/peckish/version"
)

type rootOpts struct {
	cfgFile     string
	reportFile  string
	debugModeOn bool
	colorMode   string
}

var rootOpt rootOpts

const (
	colorModeNever  = "never"
	colorModeAlways = "always"
)

var longRootCmdDescription = `peckish repackages Linux software artifacts between distribution
formats: file trees, tarballs, Debian and Arch Linux packages, RPMs,
Docker/OCI images and ext4 filesystem images. It reads a pipeline from
peckish.yaml, decodes the input into an in-memory filesystem, applies the
configured injections, and encodes each requested output.
`

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "peckish",
	Short:         "peckish repackages software artifacts!",
	Long:          longRootCmdDescription,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(rootOpt.cfgFile)
		if err != nil {
			return err
		}

		artifacts, err := pipeline.New(cfg.Chain).Run(cmd.Context(), cfg.Input, cfg.Output)
		if err != nil {
			return err
		}

		if rootOpt.reportFile != "" {
			paths := pipeline.ReportPaths(artifacts)
			report := strings.Join(paths, "\n")
			if len(paths) > 0 {
				report += "\n"
			}
			if err := os.WriteFile(rootOpt.reportFile, []byte(report), 0o644); err != nil {
				return err
			}
			logrus.Infof("wrote report to %s", rootOpt.reportFile)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Errorf("peckish-%s: %v", version.Version, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() {
		logger.Init(logger.LogOptions{
			Verbose:      rootOpt.debugModeOn,
			DisableColor: rootOpt.colorMode == colorModeNever,
		})
	})

	rootCmd.AddCommand(NewTestCmd())

	rootCmd.PersistentFlags().StringVarP(&rootOpt.cfgFile, "config", "c", "", "path to the pipeline config (default ./peckish.yaml)")
	rootCmd.Flags().StringVarP(&rootOpt.reportFile, "report", "r", "", "write produced artifact paths to this file")
	rootCmd.PersistentFlags().BoolVarP(&rootOpt.debugModeOn, "debug", "d", false, "turn on debug mode")
	rootCmd.PersistentFlags().StringVar(&rootOpt.colorMode, "color", colorModeAlways, "set the log color mode (always|never)")
	rootCmd.DisableAutoGenTag = true
}
