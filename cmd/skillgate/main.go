package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/skillgate/skillgate/internal/api"
	"github.com/skillgate/skillgate/internal/audit"
	"github.com/skillgate/skillgate/internal/config"
	"github.com/skillgate/skillgate/internal/connector"
	"github.com/skillgate/skillgate/internal/governance"
	"github.com/skillgate/skillgate/internal/sandbox"
	"github.com/skillgate/skillgate/internal/skill"
	pgstore "github.com/skillgate/skillgate/internal/store"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/skillgate.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Skillgate...", zap.String("config", cfgPath))

	if cfg.Approval.PIN == "" {
		logger.Fatal("approval.pin is required; set SKILLGATE_PIN")
	}

	// Session cost meter shared by every connector.
	meter := connector.NewMeter(cfg.Cost.SessionLimitMicros)

	connCfgs := make([]connector.Config, 0, len(cfg.Connectors))
	for _, cc := range cfg.Connectors {
		if cc.Endpoint == "" {
			logger.Warn("connector has no endpoint, skipping", zap.String("id", cc.ID))
			continue
		}
		connCfgs = append(connCfgs, connector.Config{
			ID: cc.ID, Type: cc.Type, Name: cc.Name,
			Endpoint: cc.Endpoint, APIKey: cc.APIKey,
			Timeout:     time.Duration(cc.TimeoutMS) * time.Millisecond,
			MaxAttempts: cc.Attempts,
			CostMicros:  cc.CostMicros,
			Extra:       cc.Extra,
		})
	}
	connectors := connector.FromConfigs(connCfgs, meter, logger)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}

	// Sandbox runner. Network-capable skills get the local connector
	// API as their only outbound surface.
	runner := sandbox.NewRunner(sandbox.Config{
		ShimPath:     cfg.Sandbox.ShimPath,
		ScratchRoot:  cfg.Sandbox.ScratchRoot,
		ConnectorURL: fmt.Sprintf("http://127.0.0.1:%d/api/connectors", port),
		Defaults: sandbox.Budget{
			Timeout:     time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second,
			MemoryBytes: cfg.Sandbox.MemoryBytes,
			CPUSeconds:  cfg.Sandbox.CPUSeconds,
		},
	}, logger)

	registry := skill.NewRegistry(runner, logger)

	// PostgreSQL store
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}
	if pgStore != nil {
		registry.SetPersister(pgStore)
		records, loadErr := pgStore.ListRecords(context.Background())
		if loadErr != nil {
			logger.Warn("failed to load skill records from DB", zap.Error(loadErr))
		} else {
			registry.Load(records)
			logger.Info("Loaded skill records from DB", zap.Int("count", len(records)))
		}
	}

	// Audit trail
	var trail *audit.Trail
	if cfg.Audit.RedisURL != "" {
		tr, trErr := audit.NewTrail(cfg.Audit.RedisURL, logger)
		if trErr != nil {
			logger.Warn("Redis unavailable, running without audit trail", zap.Error(trErr))
		} else {
			trail = tr
		}
	}

	// Governance pipeline
	pipeline := governance.NewPipeline(governance.Config{
		PIN:              cfg.Approval.PIN,
		LockoutThreshold: cfg.Approval.LockoutThreshold,
		Retention:        time.Duration(cfg.Approval.RetentionHours) * time.Hour,
		ArtifactRoot:     cfg.Sandbox.ArtifactRoot,
		StagingRoot:      cfg.Sandbox.ScratchRoot,
		ValidationBudget: sandbox.Budget{
			Timeout:     time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second,
			MemoryBytes: cfg.Sandbox.MemoryBytes,
			CPUSeconds:  cfg.Sandbox.CPUSeconds,
		},
	}, registry, runner, meter, logger)
	if pgStore != nil {
		pipeline.SetStore(pgStore)
		proposals, loadErr := pgStore.ListProposals(context.Background())
		if loadErr != nil {
			logger.Warn("failed to load proposals from DB", zap.Error(loadErr))
		} else {
			pipeline.LoadProposals(proposals)
			logger.Info("Loaded proposals from DB", zap.Int("count", len(proposals)))
		}
	}
	pipeline.SetTrail(trail)
	if reviewer, rErr := connectors.Get("anthropic-default"); rErr == nil {
		if anthropic, ok := reviewer.(*connector.AnthropicConnector); ok {
			pipeline.SetReviewer(anthropic)
		}
	}

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	pipeline.StartSweeper(sweepCtx, time.Hour)

	// Build HTTP handler
	handler := api.NewHandler(pipeline, registry, connectors, trail, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Skillgate listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Skillgate...")
	stopSweeper()
	srv.Shutdown(context.Background())
	trail.Close()
	if pgStore != nil {
		pgStore.Close()
	}
}

func newLogger(level string) *zap.Logger {
	var logger *zap.Logger
	var err error
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
