package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cord/api/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every applied migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.RollbackMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations rolled back")
		return nil
	},
}

var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Manage applications",
}

var (
	appID   string
	appName string
)

var appCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an application and print its signing secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx, false)
		if err != nil {
			return err
		}
		defer rt.Close()
		created, err := rt.service.CreateApplication(ctx, appID, appName)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "id:     %s\nsecret: %s\n", created.ID, created.Secret)
		return nil
	},
}

var (
	tokenApp   string
	tokenUser  string
	tokenGroup string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a server token, or a client token with --user",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx, false)
		if err != nil {
			return err
		}
		defer rt.Close()
		token, err := rt.service.IssueToken(ctx, tokenApp, tokenUser, tokenGroup)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)

	appCreateCmd.Flags().StringVar(&appID, "id", "", "application id (generated when empty)")
	appCreateCmd.Flags().StringVar(&appName, "name", "", "application name")
	_ = appCreateCmd.MarkFlagRequired("name")
	appCmd.AddCommand(appCreateCmd)

	tokenCmd.Flags().StringVar(&tokenApp, "app", "", "application id")
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id; omit for a server token")
	tokenCmd.Flags().StringVar(&tokenGroup, "group", "", "group id for client tokens")
	_ = tokenCmd.MarkFlagRequired("app")
}
