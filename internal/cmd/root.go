// Package cmd provides the CLI commands for Parley.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parley-ai/parley/internal/appdir"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// configResult records where the configuration was loaded from
	configResult *config.LoadResult
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - streaming session orchestrator for AI chat backends",
	Long: `Parley keeps AI chat sessions alive independently of their viewers.

It talks to a streaming chat backend over SSE, tracks every in-flight
generation in a local registry, and lets clients attach, detach, stop,
and recover sessions without interrupting the model.

Run 'parley serve' for the WebSocket gateway or 'parley chat' for an
interactive terminal session.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that must work without one
		switch cmd.Name() {
		case "help", "completion", "version":
			return nil
		}

		// Load configuration first; logging settings live in it.
		// --config takes priority, then the app dir, then ~/.parleyrc,
		// then built-in defaults.
		var err error
		configResult, err = config.LoadWithFallback(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = configResult.Config

		if err := logging.Initialize(buildLoggingConfig(cfg)); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		// Ensure the Parley directory exists
		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create Parley directory: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		// Clean up logging resources
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (overrides the default lookup)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: from config)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'web,chat,api'). Empty means all components.")
}

// buildLoggingConfig merges the configuration file's logging section with the
// command-line flags. Flags win. The serve command reuses this on config
// hot-reload so flag overrides survive a reload.
func buildLoggingConfig(c *config.Config) logging.Config {
	// Priority: --log-level flag > --debug flag > config > info
	level := c.Logging.Level
	if logLevel != "" {
		level = logLevel
	} else if debug {
		level = "debug"
	}

	file := c.Logging.File
	if logFile != "" {
		file = logFile
	}
	var fileLog *logging.FileLogConfig
	if file != "" {
		fl := logging.DefaultFileLogConfig()
		fl.Path = file
		fileLog = &fl
	}

	components := c.Logging.Components
	if logComponents != "" {
		components = nil
		for _, part := range strings.Split(logComponents, ",") {
			if part = strings.TrimSpace(part); part != "" {
				components = append(components, part)
			}
		}
	}

	return logging.Config{
		Level:      level,
		FileLevel:  c.Logging.FileLevel,
		FileLog:    fileLog,
		JSON:       c.Logging.JSON,
		Components: components,
	}
}
