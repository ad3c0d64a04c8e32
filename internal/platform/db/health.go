package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// CheckTimeout bounds each dependency check.
const CheckTimeout = 5 * time.Second

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

func PoolCheck(pool *pgxpool.Pool) Check {
	return func(ctx context.Context) error { return pool.Ping(ctx) }
}

func RedisCheck(rdb redis.UniversalClient) Check {
	return func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandler runs every check and answers 200 when all pass, 503
// otherwise. With no checks it only reports that the process is up.
func HealthHandler(checks map[string]Check) echo.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), CheckTimeout)
		defer cancel()

		status := "healthy"
		code := http.StatusOK
		results := make([]checkResult, 0, len(names))
		for _, name := range names {
			res := checkResult{Name: name, Status: "healthy"}
			if err := checks[name](ctx); err != nil {
				res.Status = "unhealthy"
				res.Error = err.Error()
				status = "unhealthy"
				code = http.StatusServiceUnavailable
			}
			results = append(results, res)
		}

		return c.JSON(code, map[string]interface{}{
			"status": status,
			"checks": results,
		})
	}
}

// PoolHealthHandler pings the database and includes pool statistics.
func PoolHealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), CheckTimeout)
		defer cancel()

		err := pool.Ping(ctx)
		stats := GetPoolStats(pool)
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   stats,
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   stats,
		})
	}
}
