package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/httpapi"
	"github.com/ashrun/ash/internal/store"
)

// apikeyCmd manages issued API keys. Issuance works against the data
// directory rather than the HTTP API: the first key has to come from
// somewhere, and revocation must not depend on the server being up.
func apikeyCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Issue and revoke API keys",
		Long: `Issued keys authenticate against the same API as the primary key but
carry their own tenant, so several consumers can share one server without
sharing credentials. Keys are stored hashed; the token prints once at
creation and cannot be recovered.`,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "directory containing ash.yaml")

	cmd.AddCommand(apikeyCreateCmd(&configPath))
	cmd.AddCommand(apikeyListCmd(&configPath))
	cmd.AddCommand(apikeyRevokeCmd(&configPath))
	return cmd
}

func apikeyCreateCmd(configPath *string) *cobra.Command {
	var (
		tenant string
		label  string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, st := openStore(*configPath)
			if cfg.APIKey == "" {
				failUser("issued keys require a primary key: set api_key in ash.yaml (or ASH_API_KEY) first")
			}

			token, err := newKeyToken()
			if err != nil {
				fail(err)
			}
			key := &store.APIKey{
				TenantID: tenant,
				KeyHash:  httpapi.HashAPIKey(cfg.APIKey, token),
				Label:    label,
			}
			if err := st.CreateAPIKey(cmd.Context(), key); err != nil {
				fail(err)
			}
			fmt.Printf("created key %s (tenant %s)\n", key.ID, key.TenantID)
			fmt.Printf("token: %s\n", token)
			fmt.Println("store it now; the token is not shown again")
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant the key belongs to (default \""+store.DefaultTenant+"\")")
	cmd.Flags().StringVar(&label, "label", "", "free-form label, e.g. who holds the key")
	return cmd
}

func apikeyListCmd(configPath *string) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issued keys for a tenant",
		Run: func(cmd *cobra.Command, args []string) {
			_, st := openStore(*configPath)
			keys, err := st.ListAPIKeys(cmd.Context(), tenant)
			if err != nil {
				fail(err)
			}
			if len(keys) == 0 {
				fmt.Println("no keys issued")
				return
			}
			fmt.Printf("%-36s %-20s %-8s %-20s %s\n", "ID", "LABEL", "STATE", "CREATED", "LAST USED")
			for _, k := range keys {
				state := "active"
				if k.Revoked {
					state = "revoked"
				}
				lastUsed := "never"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.Format(time.RFC3339)
				}
				fmt.Printf("%-36s %-20s %-8s %-20s %s\n",
					k.ID, k.Label, state, k.CreatedAt.Format(time.RFC3339), lastUsed)
			}
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant to list (default \""+store.DefaultTenant+"\")")
	return cmd
}

func apikeyRevokeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an issued key",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			_, st := openStore(*configPath)
			if err := st.RevokeAPIKey(cmd.Context(), args[0]); err != nil {
				fail(err)
			}
			fmt.Printf("revoked %s\n", args[0])
		},
	}
}

// openStore loads the configuration and opens the store the same way the
// server does, so key management sees exactly what auth will see.
func openStore(configPath string) (*config.Config, *store.Store) {
	cfg := loadServerConfig(configPath)
	database, err := db.Open(cfg)
	if err != nil {
		fail(err)
	}
	st, err := store.New(database)
	if err != nil {
		fail(err)
	}
	return cfg, st
}

// newKeyToken returns a fresh bearer token. The ash_ prefix makes leaked
// tokens greppable in logs and config files.
func newKeyToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "ash_" + hex.EncodeToString(raw), nil
}
