package main

import (
	"github.com/spf13/cobra"

	"github.com/cwbudde/descentreg/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective registration spec as YAML",
	Long: `Prints the spec that "run" would use after merging defaults, --config,
DESCENTREG_* environment variables and flags. The output is a valid
--config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := loadSpec(cmd.Flags())
		if err != nil {
			return err
		}
		return config.Dump(cmd.OutOrStdout(), spec)
	},
}

func init() {
	addSpecFlags(configCmd.Flags())
	rootCmd.AddCommand(configCmd)
}
