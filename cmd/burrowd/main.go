// Command burrowd is the runtime's single binary: it wires the container
// engine, workspace provisioner, session manager, agent runner, event bus,
// reconciler, credential propagator, and HTTP facade together and serves
// the facade until terminated.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/brendanlong/burrow-runtime/internal/agentrunner"
	"github.com/brendanlong/burrow-runtime/internal/authsession"
	"github.com/brendanlong/burrow-runtime/internal/common/database"
	"github.com/brendanlong/burrow-runtime/internal/config"
	"github.com/brendanlong/burrow-runtime/internal/containerengine"
	"github.com/brendanlong/burrow-runtime/internal/credentials"
	"github.com/brendanlong/burrow-runtime/internal/eventbus"
	"github.com/brendanlong/burrow-runtime/internal/exectracker"
	"github.com/brendanlong/burrow-runtime/internal/httpapi"
	"github.com/brendanlong/burrow-runtime/internal/logger"
	"github.com/brendanlong/burrow-runtime/internal/reconciler"
	"github.com/brendanlong/burrow-runtime/internal/sessions"
	"github.com/brendanlong/burrow-runtime/internal/store"
	"github.com/brendanlong/burrow-runtime/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting burrowd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := store.EnsureSchema(ctx, db); err != nil {
		log.Fatal("failed to ensure database schema", zap.Error(err))
	}

	sessionRepo := store.NewSessionRepository(db)
	messageRepo := store.NewMessageRepository(db)
	executionRepo := store.NewExecutionRepository(db)
	authSessionRepo := store.NewAuthSessionRepository(db)

	engine := containerengine.NewDockerEngine(cfg.Engine, log)
	defer engine.Close()
	if err := engine.Ping(ctx); err != nil {
		log.Fatal("container engine unreachable", zap.Error(err))
	}

	eventBus := eventbus.NewMemoryBus(log)

	ws := workspace.New(cfg.Workspace, engine, cfg.Namespace, log)
	sessionMgr := sessions.New(sessionRepo, ws, engine, cfg.Engine, cfg.Namespace, eventBus, log)

	tracker := exectracker.New()
	runner := agentrunner.New(engine, messageRepo, executionRepo, tracker, eventBus, cfg.Agent, log)

	rec := reconciler.New(sessionRepo, executionRepo, engine, runner, cfg.Namespace, log)
	rec.Start(ctx, cfg.Reconciler.IntervalDuration())

	propagator := credentials.New(cfg.Credentials, sessionRepo, engine, log)
	go propagator.Run(ctx)

	authCfg := authsession.Config{
		IdleTimeout:            cfg.Auth.IdleTimeoutDuration(),
		RotationInterval:       cfg.Auth.RotationInterval(),
		ActivityUpdateThrottle: cfg.Auth.ActivityUpdateThrottle(),
		SessionLifetime:        cfg.Auth.SessionLifetime(),
	}
	authMgr := authsession.New(authSessionRepo, authCfg, log)

	facade := httpapi.New(sessionMgr, runner, messageRepo, eventBus, authMgr, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      facade.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http facade listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http facade failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down burrowd")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http facade shutdown error", zap.Error(err))
	}

	log.Info("burrowd stopped")
}
