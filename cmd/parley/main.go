package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lowfold/parley/internal/config"
)

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfg *config.Config

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Parley - real-time assistant chat client",
		Long: `Parley is a terminal client for a room-based conversational assistant.
It connects to a LiveKit room, streams the assistant's replies as they are
generated, and can switch the conversation between text and voice.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		chatCmd(),
		devicesCmd(),
		tokenCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configCmd shows current configuration
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("LiveKit:")
			fmt.Printf("  URL:        %s\n", cfg.LiveKit.URL)
			fmt.Printf("  Room:       %s\n", cfg.LiveKit.Room)
			fmt.Printf("  Identity:   %s\n", cfg.LiveKit.Identity)
			fmt.Printf("  API Key:    %s\n", maskSecret(cfg.LiveKit.APIKey))
			fmt.Printf("  API Secret: %s\n", maskSecret(cfg.LiveKit.APISecret))
			fmt.Printf("  Token:      %s\n", maskSecret(cfg.LiveKit.Token))
			fmt.Println()

			fmt.Println("Backend:")
			fmt.Printf("  WS URL: %s\n", cfg.Backend.WSURL)
			fmt.Printf("  Secret: %s\n", maskSecret(cfg.Backend.Secret))
			fmt.Println()

			fmt.Println("Chat:")
			fmt.Printf("  Topic:       %s\n", cfg.Chat.Topic)
			fmt.Printf("  RPC Timeout: %s\n", cfg.Chat.RPCTimeout)
			fmt.Println()

			fmt.Println("Metrics:")
			fmt.Printf("  Settle:   %s\n", cfg.Metrics.Settle)
			fmt.Printf("  Interval: %s\n", cfg.Metrics.Interval)
			fmt.Printf("  Timeout:  %s\n", cfg.Metrics.Timeout)
			fmt.Println()

			fmt.Printf("State dir: %s\n", cfg.State.Path)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("parley %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}

func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
