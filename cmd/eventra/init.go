package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initUserID, "user-id", "", "your user id (needed for chat commands)")
	initCmd.Flags().StringVar(&initRole, "role", "customer", "your marketplace role: customer or vendor")
}

var (
	initUserID string
	initRole   string
)

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store auth token in ~/.eventra/config.toml",
	Long:  "Initialize the Eventra CLI by storing your auth token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if initRole != "" {
			cfg.Auth.Role = initRole
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
