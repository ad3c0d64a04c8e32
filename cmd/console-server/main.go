package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/console/internal/config"
	"github.com/ehr/console/internal/domain/onboarding"
	"github.com/ehr/console/internal/platform/db"
	"github.com/ehr/console/internal/platform/remote"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "console-server",
		Short:         "Entity console API server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(onboardCmd())
	rootCmd.AddCommand(connectionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).Level(cfg.Level()).With().Timestamp().Str("service", "console-server").Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(cfg.Level()).With().Timestamp().Logger()
	}
	return logger
}

// loadConfig loads and validates the configuration every backend-facing
// command needs.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newRemoteClient(cfg *config.Config, logger zerolog.Logger) (*remote.HTTPClient, error) {
	return remote.NewHTTPClient(cfg.BackendBaseURL,
		remote.WithTimeout(cfg.RemoteTimeout),
		remote.WithLogger(logger.With().Str("component", "remote").Logger()),
	)
}

// deps holds the optional backing services shared by serve and onboard.
type deps struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

func (d *deps) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
	if d.redis != nil {
		d.redis.Close()
	}
}

func openDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*deps, error) {
	d := &deps{}
	if cfg.JournalEnabled() {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		d.pool = pool
		logger.Info().Msg("connected to database, submission journal enabled")
	}
	if cfg.RedisURL != "" {
		rdb, err := db.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		d.redis = rdb
		logger.Info().Msg("connected to redis, distributed submission guard enabled")
	}
	return d, nil
}

func newExecutor(cfg *config.Config, client remote.Client, d *deps, logger zerolog.Logger) *onboarding.Executor {
	opts := []onboarding.ExecutorOption{
		onboarding.WithCollection(cfg.UsersCollection),
		onboarding.WithLogger(logger.With().Str("component", "onboarding").Logger()),
	}
	if d.pool != nil {
		opts = append(opts, onboarding.WithJournal(onboarding.NewJournalPG(d.pool)))
	}
	if d.redis != nil {
		opts = append(opts, onboarding.WithGuard(onboarding.NewRedisGuard(d.redis, cfg.GuardTTL, logger.With().Str("component", "guard").Logger())))
	}
	return onboarding.NewExecutor(client, opts...)
}
