package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinterm/termsearch/internal/config"
	"github.com/clinterm/termsearch/internal/domain/catalog"
	"github.com/clinterm/termsearch/internal/domain/search"
	"github.com/clinterm/termsearch/internal/platform/auth"
	"github.com/clinterm/termsearch/internal/platform/breaker"
	"github.com/clinterm/termsearch/internal/platform/cache"
	"github.com/clinterm/termsearch/internal/platform/db"
	"github.com/clinterm/termsearch/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "termsearch-server",
		Short: "Clinical terminology search API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(catalogCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the terminology search server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			_, pool, err := connect()
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(context.Background())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			_, pool, err := connect()
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the code catalog",
	}

	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Replace the catalog from a CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open catalog file: %w", err)
			}
			defer f.Close()

			entries, err := catalog.ParseCSV(f)
			if err != nil {
				return err
			}

			cfg, pool, err := connect()
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx := context.Background()
			n, err := catalog.Load(ctx, pool, entries)
			if err != nil {
				return err
			}
			fmt.Printf("Loaded %d catalog entries.\n", n)

			// Cached search results derived from the old catalog are stale.
			if cfg.RedisURL != "" {
				rc, err := cache.NewRedis(ctx, cfg.RedisURL)
				if err != nil {
					return fmt.Errorf("catalog loaded, but cache invalidation failed: %w", err)
				}
				defer rc.Close()
				dropped, err := rc.InvalidateByTag(ctx, "catalog")
				if err != nil {
					return fmt.Errorf("catalog loaded, but cache invalidation failed: %w", err)
				}
				fmt.Printf("Invalidated %d cached results.\n", dropped)
			}
			return nil
		},
	}
	loadCmd.Flags().String("file", "", "Path to the catalog CSV file")
	cmd.AddCommand(loadCmd)

	invalidateCmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Drop cached search results derived from the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			chapter, _ := cmd.Flags().GetString("chapter")
			pattern, _ := cmd.Flags().GetString("pattern")
			if chapter != "" && pattern != "" {
				return fmt.Errorf("--chapter and --pattern are mutually exclusive")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required for cache invalidation")
			}

			ctx := context.Background()
			rc, err := cache.NewRedis(ctx, cfg.RedisURL)
			if err != nil {
				return err
			}
			defer rc.Close()

			if pattern != "" {
				dropped, err := rc.InvalidatePattern(ctx, pattern)
				if err != nil {
					return err
				}
				fmt.Printf("Invalidated %d cached results matching %q.\n", dropped, pattern)
				return nil
			}

			tag := "catalog"
			if chapter != "" {
				tag = strings.ToLower(chapter)
			}
			dropped, err := rc.InvalidateByTag(ctx, tag)
			if err != nil {
				return err
			}
			fmt.Printf("Invalidated %d cached results for tag %q.\n", dropped, tag)
			return nil
		},
	}
	invalidateCmd.Flags().String("chapter", "", "Invalidate a single chapter instead of the whole catalog")
	invalidateCmd.Flags().String("pattern", "", "Invalidate by key pattern, e.g. 'termsearch:v1:search:*'")
	cmd.AddCommand(invalidateCmd)

	return cmd
}

// connect loads config and opens a database pool for one-shot commands.
func connect() (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for this command")
	}
	pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	// Catalog store: Postgres when DATABASE_URL is set, otherwise an empty
	// in-memory catalog (useful for local smoke testing with catalog load
	// replaced by fixtures).
	var (
		pool  *pgxpool.Pool
		store catalog.Store
	)
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		store = catalog.NewPGStore(pool)
		logger.Info().Msg("connected to database")
	} else {
		store = catalog.NewMemStore(nil)
		logger.Warn().Msg("DATABASE_URL not set, serving an empty in-memory catalog")
	}

	// Result cache: Redis when configured, otherwise in-process.
	var resultCache cache.Cache
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rc.Close()
		resultCache = rc
		logger.Info().Msg("connected to redis")
	} else {
		resultCache = cache.NewMemory()
		logger.Info().Msg("REDIS_URL not set, using in-process result cache")
	}

	catalogBrk := breaker.New(breaker.Settings{
		Name:             "catalog",
		FailureThreshold: cfg.CatalogBreakerThreshold,
		RecoveryTimeout:  cfg.CatalogBreakerRecovery(),
	}, logger)
	cacheBrk := breaker.New(breaker.Settings{
		Name:             "cache",
		FailureThreshold: cfg.CacheBreakerThreshold,
		RecoveryTimeout:  cfg.CacheBreakerRecovery(),
	}, logger)

	svc := search.NewService(store, resultCache, catalogBrk, cacheBrk, search.Options{
		CacheTTL:       cfg.CacheTTL(),
		MaxLimit:       cfg.SearchMaxLimit,
		FuzzyThreshold: cfg.FuzzyThreshold,
	}, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(time.Duration(cfg.RequestTimeoutSeconds) * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(cfg.JWTSecret))
	}

	// Health check reports pool state and breaker positions.
	e.GET("/health", db.HealthHandler(pool, func() map[string]interface{} {
		return map[string]interface{}{"breakers": svc.Health()}
	}))

	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	search.NewHandler(svc).RegisterRoutes(apiV1)

	// Start server with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return err
	}
	return nil
}
