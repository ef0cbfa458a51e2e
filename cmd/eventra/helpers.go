package main

import (
	"fmt"
	"os"

	eventra "github.com/eventra-market/eventra-go"
)

// getClient creates an Eventra client from the stored config. Environment
// variables override the config file.
func getClient() (*eventra.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if v := os.Getenv("EVENTRA_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("EVENTRA_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}

	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No auth token. Run 'eventra init <token>' first.")
		os.Exit(1)
	}

	var opts []eventra.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, eventra.WithBaseURL(cfg.Default.BaseURL))
	}

	return eventra.NewClient(cfg.Auth.Token, opts...), cfg
}

func selfRole(cfg *Config) string {
	if cfg.Auth.Role == eventra.RoleVendor {
		return eventra.RoleVendor
	}
	return eventra.RoleCustomer
}
