// Package main is the entry point for the agentmux orchestrator.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/connector"
	"github.com/agentmux/agentmux/internal/db"
	"github.com/agentmux/agentmux/internal/diagnostics"
	"github.com/agentmux/agentmux/internal/dispatcher"
	"github.com/agentmux/agentmux/internal/httpapi"
	"github.com/agentmux/agentmux/internal/hub"
	"github.com/agentmux/agentmux/internal/queue"
	"github.com/agentmux/agentmux/internal/registry"
	"github.com/agentmux/agentmux/internal/store"
	"github.com/agentmux/agentmux/internal/warmup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting agentmux orchestrator")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence.
	st, err := openStore(cfg.Database)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("store ready", zap.String("engine", cfg.Database.Engine))

	// Event fabric with optional NATS mirror.
	eventBus := bus.New(cfg.Bus.SubscriberBuffer, log)
	defer eventBus.Close()
	if cfg.NATS.URL != "" {
		mirror, err := bus.NewNATSMirror(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer mirror.Close()
		eventBus.SetMirror(mirror)
		log.Info("NATS event mirror connected", zap.String("url", cfg.NATS.URL))
	}

	// Core components.
	reg := registry.New(st, eventBus, cfg.Dispatcher.DefaultAgentType, log)
	if err := reg.Hydrate(ctx); err != nil {
		log.Fatal("failed to hydrate registry", zap.Error(err))
	}

	q := queue.New(st, eventBus, cfg.Dispatcher.MaxPendingTasks, log)
	if err := q.Hydrate(ctx); err != nil {
		log.Fatal("failed to hydrate queue", zap.Error(err))
	}
	log.Info("queue hydrated", zap.Int("depth", q.Depth()))

	conns := connector.NewManager(func(string) connector.Connector {
		return connector.NewSubprocess(connector.SubprocessOptions{
			BinaryPath:      cfg.Connector.ClaudeBinaryPath,
			CommandTimeout:  cfg.Connector.CommandTimeout,
			DisconnectGrace: cfg.Connector.DisconnectGrace,
		}, log)
	}, eventBus, log)

	disp := dispatcher.New(dispatcher.Config{
		TickInterval:     cfg.Dispatcher.TickInterval,
		CommandTimeout:   cfg.Connector.CommandTimeout,
		RetryMaxAttempts: cfg.Dispatcher.RetryMaxAttempts,
		RetryBaseBackoff: cfg.Dispatcher.RetryBaseBackoff,
		AutoProvision:    cfg.Dispatcher.AutoProvision,
		HighPoolWorkers:  cfg.Dispatcher.HighPoolWorkers,
		DefaultWorkers:   cfg.Dispatcher.DefaultWorkers,
	}, q, reg, conns, st, eventBus, log)

	sessionHub := hub.New(reg, q, conns, st, eventBus, log)
	defer sessionHub.Close()

	view := diagnostics.New(st, q, reg, disp, sessionHub, log)
	sessionHub.SetStateProvider(hub.StateProviderFunc(func(ctx context.Context) (interface{}, error) {
		return view.Snapshot(ctx)
	}))

	sweeper := registry.NewSweeper(reg, cfg.Dispatcher.HeartbeatTimeout)

	// Background loops.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return disp.Run(groupCtx) })
	group.Go(func() error { sweeper.Run(groupCtx); return nil })
	group.Go(func() error { view.Run(groupCtx, 15*time.Second); return nil })

	if cfg.Dispatcher.WarmupOnStartup {
		warmup.New(q, reg, log).Run(ctx)
	}

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := httpapi.NewHandler(reg, q, st, view, sessionHub, log)
	router := httpapi.SetupRouter(handler, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	group.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.ShutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Error("orchestrator exited with error", zap.Error(err))
	}

	conns.CloseAll(context.Background())
	log.Info("agentmux orchestrator stopped")
}

// openStore selects the persistence engine.
func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Engine {
	case "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		pool, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		return store.NewSQLStore(pool)
	default:
		pool, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store.NewSQLStore(pool)
	}
}
