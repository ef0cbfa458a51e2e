package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and chat service health",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		if cfg.Default.BaseURL != "" {
			fmt.Printf("  Base URL: %s\n", cfg.Default.BaseURL)
		} else {
			fmt.Println("  Base URL: (default)")
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}
		fmt.Printf("  User ID:  %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Role:     %s\n", valueOrDefault(cfg.Auth.Role, "(not set)"))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		result, err := client.Chat().Health(ctx)
		if err != nil {
			fmt.Printf("Chat service: UNREACHABLE (%v)\n", err)
			return nil
		}
		if !result.OK {
			fmt.Println("Chat service: UNHEALTHY")
			if result.Error != nil {
				fmt.Printf("  %s: %s\n", result.Error.Code, result.Error.Message)
			}
			return nil
		}
		fmt.Println("Chat service: HEALTHY")
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "..."
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
