package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"medscribe/internal/config"
	"medscribe/internal/platform/postgres"
)

func migrateCommand(cfg func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := databaseURL(cfg())
			if err != nil {
				return err
			}
			return postgres.Migrate(cmd.Context(), url)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Revert migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := databaseURL(cfg())
			if err != nil {
				return err
			}
			return postgres.Rollback(cmd.Context(), url, steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")

	cmd.AddCommand(up, down)
	return cmd
}

func databaseURL(cfg *config.Config) (string, error) {
	if cfg.Database.URL == "" {
		return "", fmt.Errorf("database.url is not set (MEDSCRIBE_DATABASE_URL)")
	}
	return cfg.Database.URL, nil
}
