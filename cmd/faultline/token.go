package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"faultline/internal/auth"
	"faultline/internal/config"
	"faultline/internal/store"
)

// tokenCmd mints a dashboard bearer token. The API only verifies tokens;
// in production an external identity provider issues them, and this
// command is the operator escape hatch.
func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a dashboard bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataFlag, _ := cmd.Flags().GetString("data")
			userFlag, _ := cmd.Flags().GetString("user")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive, got %s", ttl)
			}

			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			hd, err := resolveHome(dataFlag)
			if err != nil {
				return fmt.Errorf("resolve data directory: %w", err)
			}
			st, err := openStore(hd, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			if c, ok := st.(io.Closer); ok {
				defer c.Close()
			}

			ctx := cmd.Context()
			u, err := findUser(ctx, st, userFlag)
			if err != nil {
				return fmt.Errorf("find user %q: %w", userFlag, err)
			}

			token, expires, err := auth.NewTokenService(cfg.JWTSecret, ttl).Issue(u.ID, u.Email)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}

			// Token on stdout so it pipes cleanly; context on stderr.
			fmt.Println(token)
			fmt.Fprintf(os.Stderr, "user %s, expires %s\n", u.Email, expires.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().String("user", "", "user id or email")
	cmd.Flags().Duration("ttl", defaultTokenTTL, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// findUser accepts either a user id or an email address.
func findUser(ctx context.Context, st store.Store, ref string) (*store.User, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return st.GetUser(ctx, id)
	}
	return st.GetUserByEmail(ctx, ref)
}
