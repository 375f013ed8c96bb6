package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/vigil/internal/config"
	"github.com/andresmejia3/vigil/internal/logging"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// cfg is the effective configuration shared by subcommands
	cfg *config.Config
	// cfgPath is the optional YAML/JSON config file
	cfgPath  string
	logLevel string
)

// errReported marks a failure whose details were already printed.
var errReported = errors.New("vigil failed")

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "vigil",
	Short:         "Webcam drowsiness detector based on the eye aspect ratio",
	Version:       Version, // This enables the --version flag
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c := config.DefaultConfig()
		if cfgPath != "" {
			loaded, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			c = loaded
		}
		if cmd.Flags().Changed("log-level") {
			c.LogLevel = logLevel
		}
		if err := logging.Init(c.LogLevel); err != nil {
			log.Warn().Err(err).Msg("Falling back to info logging")
		}
		cfg = c
		return nil
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errReported) {
			utils.ShowError("Command failed", err, nil)
		}
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}
