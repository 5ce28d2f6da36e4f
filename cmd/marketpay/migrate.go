package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/marketpay/internal/config"
	"github.com/smallbiznis/marketpay/internal/migration"
	"github.com/smallbiznis/marketpay/internal/observability"
	"github.com/smallbiznis/marketpay/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var (
	migrateDown    int
	migrateVersion bool
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the embedded schema migrations",
		Long: `Apply every pending migration against the configured postgres store.

Examples:
  marketpay migrate
  marketpay migrate --down 1
  marketpay migrate --version`,
		RunE: runMigrate,
	}

	cmd.Flags().IntVar(&migrateDown, "down", 0, "roll back the given number of steps")
	cmd.Flags().BoolVar(&migrateVersion, "version", false, "print the current schema version")

	return cmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	var conn *gorm.DB
	app := fx.New(
		fx.NopLogger,
		fx.Provide(config.Load),
		observability.Module,
		db.Module,
		fx.Populate(&conn),
	)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		_ = app.Stop(context.Background())
	}()

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}

	switch {
	case migrateVersion:
		version, dirty, err := migration.Version(sqlDB)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty=%t)\n", version, dirty)
		return nil
	case migrateDown > 0:
		if err := migration.Rollback(sqlDB, migrateDown); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d step(s)\n", migrateDown)
		return nil
	default:
		if err := migration.RunMigrations(sqlDB); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	}
}
