package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/fleet-core/internal/auth"
	"github.com/nerrad567/fleet-core/internal/infrastructure/config"
	"github.com/nerrad567/fleet-core/internal/infrastructure/database"
	"github.com/nerrad567/fleet-core/migrations"
)

// newMigrateCmd applies pending migrations, or rolls back the latest one
// with --down, then prints the migration status.
func newMigrateCmd(configPath *string) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			ctx := cmd.Context()
			db, err := database.Open(ctx, databaseConfig(cfg))
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()

			if down {
				err = db.MigrateDown(ctx, migrations.FS)
			} else {
				err = db.Migrate(ctx, migrations.FS)
			}
			if err != nil {
				return fmt.Errorf("running migrations: %w", err)
			}

			applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range applied {
				fmt.Fprintf(out, "applied  %s  %s\n", r.Version, r.AppliedAt.Format(time.RFC3339))
			}
			for _, m := range pending {
				fmt.Fprintf(out, "pending  %s  %s\n", m.Version, m.Name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	return cmd
}

// newTokenCmd mints an access token signed with the configured secret.
func newTokenCmd(configPath *string) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint an API access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !auth.IsValidRole(auth.Role(role)) {
				return fmt.Errorf("%w: %q", auth.ErrInvalidRole, role)
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if ttl <= 0 {
				ttl = cfg.GetAccessTokenTTL()
			}

			token, err := auth.GenerateAccessToken(auth.TokenConfig{
				Secret: cfg.Security.JWT.Secret,
				Issuer: cfg.Security.JWT.Issuer,
				TTL:    ttl,
			}, args[0], auth.Role(role))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(auth.RoleOperator), "viewer, operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default security.jwt.access_token_ttl)")
	return cmd
}

func databaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	}
}
