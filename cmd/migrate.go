package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-identity/internal/config"
	"github.com/kozaktomas/face-identity/internal/database/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply the embedded schema migrations to the database named by DATABASE_URL.
Already applied migrations are skipped, so the command is safe to rerun.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	pool, applied, err := postgres.Open(context.Background(), &cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if len(applied) == 0 {
		fmt.Println("Database schema is up to date")
		return nil
	}
	for _, name := range applied {
		fmt.Printf("Applied %s\n", name)
	}
	return nil
}
