package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pitabwire/acadflow/internal/migrate"
)

func migrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withConn(cmd.Context(), v, func(ctx context.Context, conn *pgx.Conn) error {
				version, err := migrate.Migrate(ctx, conn)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
				return nil
			})
		},
	}
	cmd.PersistentFlags().String("dsn", "", "postgres connection string")
	_ = v.BindPFlag("dsn", cmd.PersistentFlags().Lookup("dsn"))

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withConn(cmd.Context(), v, func(ctx context.Context, conn *pgx.Conn) error {
				current, err := migrate.Version(ctx, conn)
				if err != nil {
					return err
				}
				all, err := migrate.Migrations()
				if err != nil {
					return err
				}
				return printMigrations(cmd, v, all, current)
			})
		},
	})
	return cmd
}

type migrationRow struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
}

func printMigrations(cmd *cobra.Command, v *viper.Viper, all []migrate.Migration, current int) error {
	out := make([]migrationRow, 0, len(all))
	rows := make([]table.Row, 0, len(all))
	for _, m := range all {
		r := migrationRow{Version: m.Version, Name: m.Name, Applied: m.Version <= current}
		out = append(out, r)
		rows = append(rows, table.Row{r.Version, r.Name, r.Applied})
	}
	return printTable(cmd.OutOrStdout(), v, out, table.Row{"Version", "Name", "Applied"}, rows)
}

func withConn(ctx context.Context, v *viper.Viper, fn func(context.Context, *pgx.Conn) error) error {
	dsn := v.GetString("dsn")
	if dsn == "" {
		return errors.New("a DSN is required (--dsn or ACADCTL_DSN)")
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)
	return fn(ctx, conn)
}
