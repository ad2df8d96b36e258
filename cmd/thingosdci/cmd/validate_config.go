package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thingos/thingosdci/internal/config"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Load and validate configuration without starting any loop",
	Long: `Loads defaults, layers the override file (if given via --config), and
runs the same validation serve would, without binding a port or touching
Docker. Useful from the controller's own deploy pipeline.`,
	RunE: runValidateConfig,
}

func init() {
	rootCmd.AddCommand(validateConfigCmd)
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Printf("configuration OK: repoService=%s boards=%v webPort=%d\n", cfg.RepoService, cfg.Boards, cfg.WebPort)
	return nil
}
