package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/ehr/console/internal/config"
	"github.com/ehr/console/internal/domain/association"
	"github.com/ehr/console/internal/domain/onboarding"
	"github.com/ehr/console/internal/platform/db"
	"github.com/ehr/console/internal/platform/middleware"
	"github.com/ehr/console/internal/platform/tracing"
	"github.com/ehr/console/migrations"
)

const shutdownTimeout = 10 * time.Second

// onboardingRoute runs the create-user saga. It takes the upload body limit
// and no request deadline: the saga bounds itself per remote call and must
// always answer with its Result.
const onboardingRoute = "/api/v1/onboarding"

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the console API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			autoMigrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(autoMigrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving (journal only)")
	return cmd
}

func runServer(autoMigrate bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx := context.Background()

	// Tracing
	shutdownTracing, err := tracing.Setup(ctx, tracing.Options{
		ServiceName:    "console-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Endpoint:       cfg.OTLPEndpoint,
		SampleRatio:    cfg.OTelSampleRatio,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	d, err := openDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	if autoMigrate && d.pool != nil {
		n, err := db.NewMigrator(d.pool, migrations.FS).Up(ctx)
		if err != nil {
			return err
		}
		logger.Info().Int("applied", n).Msg("migrations applied")
	}

	client, err := newRemoteClient(cfg, logger)
	if err != nil {
		return err
	}
	exec := newExecutor(cfg, client, d, logger)
	sessions := association.NewSessionStore(cfg.SessionTTL)

	e := newServer(cfg, d, logger)
	apiV1 := e.Group("/api/v1")
	onboarding.NewHandler(exec).RegisterRoutes(apiV1, submitLimit(cfg)...)
	association.NewHandler(client, sessions, cfg.DefaultPageSize,
		logger.With().Str("component", "association").Logger()).RegisterRoutes(apiV1)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", cfg.BackendBaseURL).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Int("open_sessions", sessions.Len()).Msg("server stopped")
	return nil
}

// submitLimit returns the per-client limit for onboarding submissions. A zero
// burst turns it off.
func submitLimit(cfg *config.Config) []echo.MiddlewareFunc {
	if cfg.SubmitBurst <= 0 {
		return nil
	}
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.SubmitRate
	rl.BurstSize = cfg.SubmitBurst
	return []echo.MiddlewareFunc{middleware.RateLimit(rl)}
}

// newServer builds the echo instance with the request middleware chain and
// health routes.
func newServer(cfg *config.Config, d *deps, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware("console-server"))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadBodyLimit, onboardingRoute))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, onboardingRoute))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderContentType, middleware.RequestIDHeader},
	}))

	checks := map[string]db.Check{}
	if d.redis != nil {
		checks["redis"] = db.RedisCheck(d.redis)
	}
	if d.pool != nil {
		checks["database"] = db.PoolCheck(d.pool)
		e.GET("/health/db", db.PoolHealthHandler(d.pool))
	}
	e.GET("/health", db.HealthHandler(checks))

	return e
}
