// Package cmd implements thingosdci's cobra command tree: serve, version,
// and validate-config.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// configPath is the override config file path, shared by every subcommand
// that loads configuration.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "thingosdci",
	Short: "thingosdci — continuous-integration controller for thingOS board builds",
	Long: `thingosdci drives containerized OS-image builds for a configurable set
of hardware boards, triggered by GitHub/GitLab/BitBucket webhooks, under a
bounded build concurrency budget, publishing releases on completion.

  thingosdci serve                  # run the daemon
  thingosdci validate-config        # check configuration without starting
  thingosdci version                # print build version`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "", "Path to the override config file (YAML or JSON)")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("cli error: %w", err)
	}
	return nil
}
