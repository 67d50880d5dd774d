package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jazware/trends/pkg/querier"
	"github.com/jazware/trends/pkg/team"
	"github.com/jazware/trends/pkg/trends"
	"github.com/jazware/trends/pkg/trends/endpoints"
	"github.com/jazware/trends/telemetry"
	"github.com/jazware/trends/version"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	slogecho "github.com/samber/slog-echo"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

func main() {
	app := cli.App{
		Name:    "insights",
		Usage:   "trends insight query service",
		Version: version.String(),
	}

	app.Flags = []cli.Flag{
		telemetry.CLIFlagDebug,
		telemetry.CLIFlagMetricsListenAddress,
		telemetry.CLIFlagServiceName,
		telemetry.CLIFlagTracingSampleRatio,
		&cli.StringFlag{
			Name:    "listen-address",
			Usage:   "listen address for HTTP server",
			Value:   "0.0.0.0:8080",
			EnvVars: []string{"LISTEN_ADDRESS"},
		},
		&cli.StringFlag{
			Name:    "redis-address",
			Usage:   "redis address for insight caching",
			Value:   "localhost:6379",
			EnvVars: []string{"REDIS_ADDRESS"},
		},
		&cli.StringFlag{
			Name:    "clickhouse-address",
			Usage:   "clickhouse address for event data",
			Value:   "localhost:9000",
			EnvVars: []string{"CLICKHOUSE_ADDRESS"},
		},
		&cli.StringFlag{
			Name:    "clickhouse-username",
			Usage:   "clickhouse username",
			Value:   "default",
			EnvVars: []string{"CLICKHOUSE_USERNAME"},
		},
		&cli.StringFlag{
			Name:    "clickhouse-password",
			Usage:   "clickhouse password",
			Value:   "",
			EnvVars: []string{"CLICKHOUSE_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "clickhouse-database",
			Usage:   "clickhouse database",
			Value:   "default",
			EnvVars: []string{"CLICKHOUSE_DATABASE"},
		},
		&cli.StringFlag{
			Name:    "magic-header-val",
			Usage:   "magic header value bypassing the request rate limiter",
			Value:   "",
			EnvVars: []string{"MAGIC_HEADER_VAL"},
		},
		&cli.DurationFlag{
			Name:    "resolver-cache-ttl",
			Usage:   "duration to cache team, action, and cohort lookups",
			Value:   30 * time.Second,
			EnvVars: []string{"RESOLVER_CACHE_TTL"},
		},
		&cli.IntFlag{
			Name:    "max-parallel-queries",
			Usage:   "maximum concurrent engine queries per insight run",
			Value:   8,
			EnvVars: []string{"MAX_PARALLEL_QUERIES"},
		},
	}

	app.Action = Insights

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err.Error())
		os.Exit(1)
	}
}

func Insights(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handlers
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	// Initialize logger
	logger := telemetry.StartLogger(cctx)
	logger.Info("starting insights service",
		"version", version.Version,
		"commit", version.GitCommit)

	// Initialize metrics
	telemetry.StartMetrics(cctx)

	// Initialize tracing if configured
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		logger.Info("initializing tracer")
		shutdown, err := telemetry.StartTracing(cctx)
		if err != nil {
			return fmt.Errorf("failed to start tracing: %w", err)
		}
		defer func() {
			if err := shutdown(ctx); err != nil {
				logger.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// Connect to ClickHouse
	logger.Info("connecting to clickhouse", "address", cctx.String("clickhouse-address"))
	conn, err := querier.SetupClickHouse(
		cctx.String("clickhouse-address"),
		cctx.String("clickhouse-username"),
		cctx.String("clickhouse-password"),
		cctx.String("clickhouse-database"),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	executor := querier.NewClickHouseExecutor(conn)
	defer executor.Close()
	logger.Info("connected to clickhouse")

	// Connect to Redis
	logger.Info("connecting to redis", "address", cctx.String("redis-address"))
	redisClient := redis.NewClient(&redis.Options{
		Addr: cctx.String("redis-address"),
	})

	// Enable tracing instrumentation for Redis
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		return fmt.Errorf("failed to instrument redis with tracing: %w", err)
	}

	// Enable metrics instrumentation for Redis
	if err := redisotel.InstrumentMetrics(redisClient); err != nil {
		return fmt.Errorf("failed to instrument redis with metrics: %w", err)
	}

	// Test the connection to redis
	_, err = redisClient.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("connected to redis")

	resolver, err := team.NewStoreResolver(conn, cctx.Duration("resolver-cache-ttl"))
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}

	insightCache := trends.NewInsightCache(redisClient, logger)

	api := endpoints.NewAPI(
		logger,
		executor,
		resolver,
		resolver,
		resolver,
		insightCache,
		cctx.String("magic-header-val"),
	)
	api.MaxParallel = cctx.Int("max-parallel-queries")

	// Keep recently served insights warm in redis
	go api.Warmer.Start(ctx)

	// Setup Echo router
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Recovery middleware
	e.Use(middleware.Recover())

	// Structured logging middleware
	e.Use(slogecho.NewWithFilters(
		logger,
		slogecho.IgnorePath("/metrics"),
	))

	// OTEL Middleware
	e.Use(otelecho.Middleware(
		"trends-api",
		otelecho.WithSkipper(func(c echo.Context) bool {
			return c.Request().URL.Path == "/metrics"
		}),
	))

	// CORS middleware
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"https://insights.jazco.dev"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentLength, echo.HeaderContentType},
		AllowOriginFunc: func(origin string) (bool, error) {
			u, err := url.Parse(origin)
			if err != nil {
				return false, nil
			}
			switch u.Hostname() {
			case "insights.jazco.dev", "localhost":
				return true, nil
			}

			return false, nil
		},
	}))

	// Prometheus metrics endpoint
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Register routes
	e.POST("/insights/trend", api.PostTrend)
	e.POST("/insights/trend/actors", api.PostTrendActors)

	// Start HTTP server in a goroutine
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("starting HTTP server", "listen_address", cctx.String("listen-address"))
		if err := e.Start(cctx.String("listen-address")); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	select {
	case <-signals:
		logger.Info("shutting down on signal")
	case <-ctx.Done():
		logger.Info("shutting down on context done")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		return err
	}

	logger.Info("beginning graceful shutdown")

	// Force shutdown after timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down HTTP server gracefully", "error", err)
		return err
	}

	logger.Info("shut down successfully")
	return nil
}
