package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/sync/internal/config"
	"github.com/ehr/sync/internal/domain/conflict"
	"github.com/ehr/sync/internal/domain/syncjob"
	"github.com/ehr/sync/internal/domain/transform"
	"github.com/ehr/sync/internal/domain/webhook"
	"github.com/ehr/sync/internal/platform/alerting"
	"github.com/ehr/sync/internal/platform/auth"
	"github.com/ehr/sync/internal/platform/db"
	"github.com/ehr/sync/internal/platform/middleware"
	"github.com/ehr/sync/internal/platform/provider"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sync-server",
		Short: "EHR data synchronization engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync API server and worker pool",
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

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
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

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
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

// connectionSeed is one entry in the connections file. Secrets live
// next to the connection so a provider's webhook verification and its
// sync connection are configured in one place.
type connectionSeed struct {
	ID              string `json:"id"`
	Provider        string `json:"provider"`
	Active          bool   `json:"active"`
	Strategy        string `json:"strategy"`
	CustomResolver  string `json:"custom_resolver,omitempty"`
	StrictTransform bool   `json:"strict_transform"`
	WebhookSecret   string `json:"webhook_secret,omitempty"`
	WebhookAlgo     string `json:"webhook_algo,omitempty"`
}

// loadConnections reads the connections file and registers each entry
// with the connection registry and, when a webhook secret is present,
// the secret store. A missing file is not an error: connections can be
// registered by an operator after boot.
// providersWithoutRules reports providers of active connections that
// have no transformation rules. Syncs for them run the identity
// mapping, which is almost always a misconfiguration.
func providersWithoutRules(ctx context.Context, rules transform.RuleRepository, conns *syncjob.ConnectionRegistry) ([]string, error) {
	seen := make(map[string]bool)
	var missing []string
	for _, conn := range conns.List() {
		if !conn.Active || seen[conn.Provider] {
			continue
		}
		seen[conn.Provider] = true
		providerRules, err := rules.ListByProvider(ctx, conn.Provider)
		if err != nil {
			return nil, err
		}
		if len(providerRules) == 0 {
			missing = append(missing, conn.Provider)
		}
	}
	return missing, nil
}

func loadConnections(path string, conns *syncjob.ConnectionRegistry, secrets *webhook.SecretStore, logger zerolog.Logger) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logger.Warn().Str("path", path).Msg("no connections file, starting with empty registry")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read connections file: %w", err)
	}

	var seeds []connectionSeed
	if err := json.Unmarshal(raw, &seeds); err != nil {
		return fmt.Errorf("parse connections file: %w", err)
	}

	for _, s := range seeds {
		strategy := conflict.Strategy(s.Strategy)
		if strategy == "" {
			strategy = conflict.LastWriteWins
		}
		if !conflict.ValidStrategy(strategy) {
			return fmt.Errorf("connection %s: unknown strategy %q", s.ID, s.Strategy)
		}
		conns.Register(&syncjob.Connection{
			ID:              s.ID,
			Provider:        s.Provider,
			Active:          s.Active,
			Strategy:        strategy,
			CustomResolver:  s.CustomResolver,
			StrictTransform: s.StrictTransform,
		})
		if s.WebhookSecret != "" {
			algo := webhook.Algo(s.WebhookAlgo)
			if algo == "" {
				algo = webhook.AlgoSHA256
			}
			secrets.Set(s.Provider, s.WebhookSecret, algo)
		}
		logger.Info().
			Str("connection_id", s.ID).
			Str("provider", s.Provider).
			Bool("active", s.Active).
			Msg("registered connection")
	}
	return nil
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Repositories
	jobRepo := syncjob.NewRepoPG(pool)
	conflictRepo := conflict.NewRepoPG(pool)
	eventRepo := webhook.NewRepoPG(pool)
	ruleRepo := transform.NewRuleRepoPG(pool)
	recordStore := transform.NewRecordStorePG(pool)

	// Transformation pipeline, built once from the persisted rule set.
	rules, err := ruleRepo.ListAll(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load transformation rules")
	}
	pipeline, err := transform.NewPipeline(rules)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid transformation rules")
	}
	logger.Info().Int("rules", len(rules)).Msg("transformation pipeline ready")

	// Alerting, conflict engine
	alerter := alerting.New(logger, 256)
	engine := conflict.NewEngine(logger)
	conflictSvc := conflict.NewService(conflictRepo, engine, recordStore)

	// Provider adapters register here. The registry ships empty; each
	// deployment links in the adapters for the vendors it talks to.
	adapters := provider.NewRegistry()

	// Connections and webhook secrets
	conns := syncjob.NewConnectionRegistry()
	secrets := webhook.NewSecretStore()
	connectionsFile := os.Getenv("CONNECTIONS_FILE")
	if connectionsFile == "" {
		connectionsFile = "./connections.json"
	}
	if err := loadConnections(connectionsFile, conns, secrets, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to load connections")
	}
	if missing, err := providersWithoutRules(ctx, ruleRepo, conns); err != nil {
		logger.Error().Err(err).Msg("rule coverage check failed")
	} else {
		for _, p := range missing {
			logger.Warn().Str("provider", p).Msg("active connection has no transformation rules")
		}
	}

	// Orchestrator and job service
	orch := syncjob.New(jobRepo, adapters, pipeline, recordStore, conflictSvc, conns, alerter, logger,
		syncjob.WithWorkers(cfg.SyncWorkers),
		syncjob.WithMaxAttempts(cfg.SyncMaxAttempts),
		syncjob.WithBackoff(cfg.SyncBackoffBase, cfg.SyncBackoffCap),
		syncjob.WithRequestTimeout(cfg.SyncRequestTimeout),
		syncjob.WithPromoteAfter(cfg.SyncPromoteAfter),
	)
	jobSvc := syncjob.NewService(jobRepo, conns, conflictSvc, orch, logger)
	jobHandler := syncjob.NewHandler(jobSvc, alerter)
	conflictHandler := conflict.NewHandler(conflictSvc)

	// Webhook service
	webhookSvc := webhook.NewService(eventRepo, secrets, jobSvc, conns, alerter, logger,
		webhook.WithSubmitRetries(cfg.WebhookSubmitRetries))
	webhookHandler := webhook.NewHandler(webhookSvc)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger, alerter))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Webhook ingress is signature-authenticated, so it stays outside
	// the bearer-token group.
	webhookHandler.RegisterRoutes(e.Group("/webhooks"))

	// Authenticated API
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Secret: []byte(cfg.JWTSecret),
		}))
	}
	apiV1.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	jobHandler.RegisterRoutes(apiV1.Group("/jobs"))
	jobHandler.RegisterOpsRoutes(apiV1.Group("/ops"))
	conflictHandler.RegisterRoutes(apiV1.Group("/conflicts"))
	webhookHandler.RegisterEventRoutes(apiV1.Group("/webhook-events"))

	// Worker pool
	orchCtx, orchCancel := context.WithCancel(ctx)
	defer orchCancel()
	orch.Start(orchCtx)
	logger.Info().Int("workers", cfg.SyncWorkers).Msg("orchestrator started")

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	orchCancel()
	orch.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
