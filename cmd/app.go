package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-identity/internal/config"
	"github.com/kozaktomas/face-identity/internal/database"
	"github.com/kozaktomas/face-identity/internal/database/postgres"
	"github.com/kozaktomas/face-identity/internal/identity"
)

// app holds what every database-backed command needs.
type app struct {
	cfg    *config.Config
	pool   *postgres.Pool
	store  *postgres.Store
	engine *identity.Engine
	logger *zap.Logger
}

// newLogger builds the process logger. Warnings only unless --verbose is set.
func newLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		logConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := logConfig.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// openApp loads the configuration, connects to PostgreSQL, applies pending
// migrations and wires the identity engine.
func openApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}
	settings, err := identity.SettingsFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid identity configuration: %w", err)
	}

	logger := newLogger()
	pool, applied, err := postgres.Open(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	for _, name := range applied {
		logger.Info("applied migration", zap.String("name", name))
	}

	store := postgres.NewStore(pool)
	if cfg.Identity.CandidateLimit > 0 && cfg.Database.HNSWEnabled {
		store.WithPersonIndex(database.NewPersonIndex(), cfg.Database.HNSWIndexPath)
	}

	return &app{
		cfg:    cfg,
		pool:   pool,
		store:  store,
		engine: identity.NewEngine(store, settings, logger),
		logger: logger,
	}, nil
}

func (a *app) Close() {
	if err := a.store.SaveIndex(); err != nil {
		a.logger.Warn("failed to save person index", zap.Error(err))
	}
	if err := a.pool.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func outputJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}
	return nil
}

// formatDuration formats a duration as a human-readable string
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
