package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/screensplit/server/internal/config"
)

var (
	// Global flags
	configPath string
	logLevel   string
	logFormat  string

	rootCmd = &cobra.Command{
		Use:   "screensplit",
		Short: "Screensplit server - before/after comparison backend",
		Long: `Screensplit server backs the before/after comparison designer.

It provides:
- Accounts with email/password and GitHub sign-in
- Direct-to-storage uploads and a project gallery
- Share links, optionally password protected
- Side-by-side video rendering on a background queue
- An image proxy for remote before/after images`,
		SilenceUsage: true,
		// serve is the default command
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveCmd.RunE(cmd, args)
		},
	}
)

// Execute runs the root command. It is called once by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	addPersistentFlags(rootCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(healthcheckCmd)
	rootCmd.AddCommand(versionCmd)
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (environment variables take precedence)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console) (default: json)")
}

// loadConfig reads the config file and environment, then applies the
// global flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}
