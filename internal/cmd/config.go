package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	embeddedconfig "github.com/parley-ai/parley/config"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Parley configuration",
	Long: `Manage Parley configuration files.

Use the subcommands to create or inspect configuration files.`,
}

// configCreateCmd represents the config create subcommand
var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a default configuration file",
	Long: `Create a default configuration file at ~/.parleyrc.

This command writes the embedded default configuration (config.default.yaml)
to the specified path. The configuration file contains default settings for
the chat backend, WebSocket gateway, logging, and session handling.

After creating the file, review and customize it for your environment.

Examples:
  parley config create                    # Create ~/.parleyrc
  parley config create --output /path/to  # Create /path/to/.parleyrc
  parley config create --force            # Overwrite existing file`,
	RunE: runConfigCreate,
}

// configShowCmd represents the config show subcommand
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration after merging the configuration
file, environment variables, and defaults. The backend token is redacted.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCreateCmd)
	configCmd.AddCommand(configShowCmd)

	configCreateCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"Directory to write the config file (default: $HOME)")
	configCreateCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite existing configuration file without prompting")
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	// Determine output directory
	outputDir := configOutputPath
	if outputDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		outputDir = homeDir
	}

	// Build the full path
	configPath := filepath.Join(outputDir, ".parleyrc")

	// Check if file already exists
	if _, err := os.Stat(configPath); err == nil && !configForce {
		fmt.Printf("⚠️  Configuration file already exists: %s\n", configPath)
		fmt.Println("Use --force to overwrite the existing file.")
		return nil
	}

	// Write the embedded default config
	if err := os.WriteFile(configPath, embeddedconfig.DefaultConfigYAML, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Printf("✅ Configuration file created: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review and customize the configuration file")
	fmt.Println("  2. Set your backend token (PARLEY_TOKEN or the token field)")
	fmt.Println("  3. Run 'parley serve' to start the gateway, or 'parley chat' to chat")

	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	fmt.Println("Current configuration:")
	if configResult != nil && configResult.SourcePath != "" {
		fmt.Printf("  Source: %s\n", configResult.SourcePath)
	} else {
		fmt.Println("  Source: built-in defaults")
	}
	fmt.Println()

	token := "(not set)"
	if cfg.Backend.Token != "" {
		token = "[redacted]"
	}
	fmt.Printf("Backend:\n")
	fmt.Printf("  Base URL:  %s\n", cfg.Backend.BaseURL)
	fmt.Printf("  Team:      %d\n", cfg.Backend.TeamID)
	fmt.Printf("  Token:     %s\n", token)
	fmt.Printf("  Timeout:   %ds\n", cfg.Backend.TimeoutSeconds)
	fmt.Println()

	fmt.Printf("Web:\n")
	fmt.Printf("  Listen:     %s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Printf("  Rate limit: %.1f req/s (burst %d)\n", cfg.Web.RateLimit, cfg.Web.RateBurst)
	fmt.Println()

	fmt.Printf("Chat:\n")
	fmt.Printf("  Max sessions:   %d\n", cfg.Chat.MaxSessions)
	fmt.Printf("  Cancel timeout: %ds\n", cfg.Chat.CancelTimeoutSeconds)
	fmt.Printf("  Fence window:   %d\n", cfg.Chat.FenceWindow)
	model := cfg.Chat.ModelID
	if model == "" {
		model = "(team default)"
	}
	fmt.Printf("  Model:          %s\n", model)
	fmt.Printf("  Web search:     %v", cfg.Chat.WebSearch)
	if cfg.Chat.WebSearch && cfg.Chat.SearchEngine != "" {
		fmt.Printf(" (%s)", cfg.Chat.SearchEngine)
	}
	fmt.Println()
	fmt.Printf("  Clarification:  %v\n", cfg.Chat.Clarification)
	fmt.Println()

	fmt.Printf("Logging:\n")
	fmt.Printf("  Level: %s\n", cfg.Logging.Level)
	if cfg.Logging.File != "" {
		fileLevel := cfg.Logging.FileLevel
		if fileLevel == "" {
			fileLevel = cfg.Logging.Level
		}
		fmt.Printf("  File:  %s (%s)\n", cfg.Logging.File, fileLevel)
	}
	if len(cfg.Logging.Components) > 0 {
		fmt.Printf("  Components: %s\n", strings.Join(cfg.Logging.Components, ", "))
	}

	return nil
}
