package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/vigil/internal/config"
	"github.com/spf13/cobra"
)

var (
	configJSON bool
	configOut  string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration, or write it to a file as a starting point",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configOut != "" {
			if err := config.Save(configOut, cfg); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Fprintf(os.Stderr, "✅ Config written to %s\n", configOut)
			return nil
		}
		data, err := config.Marshal(cfg, configJSON)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	configCmd.Flags().BoolVar(&configJSON, "json", false, "Print JSON instead of YAML")
	configCmd.Flags().StringVarP(&configOut, "out", "o", "", "Write to this path (.json selects JSON)")
	rootCmd.AddCommand(configCmd)
}
