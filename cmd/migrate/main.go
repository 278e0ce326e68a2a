// Package main is the migration CLI for the content quality engine.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vitaliisemenov/content-quality/internal/config"
	"github.com/vitaliisemenov/content-quality/internal/platform/migrations"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the content quality engine database schema",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")

	newManager := func() (*migrations.Manager, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return migrations.NewManager(migrations.Config{
			Driver:  "pgx",
			Dialect: "postgres",
			DSN:     cfg.Database.DSN(),
			Logger:  slog.Default(),
		})
	}

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager()
			if err != nil {
				return err
			}
			defer func() { _ = manager.Close() }()
			return manager.Up(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager()
			if err != nil {
				return err
			}
			defer func() { _ = manager.Close() }()
			return manager.Down(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager()
			if err != nil {
				return err
			}
			defer func() { _ = manager.Close() }()
			return manager.Status(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := newManager()
			if err != nil {
				return err
			}
			defer func() { _ = manager.Close() }()
			version, err := manager.Version(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("schema version: %d\n", version)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
