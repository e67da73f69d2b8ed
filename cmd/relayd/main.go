// Package main is the entry point for relayd, the agent session broker.
// One binary runs the consumer gateway, the CLI transport hub, the
// session manager, and the optional MCP introspection server.
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

	"github.com/agentrelay/agentrelay/internal/broker/manager"
	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/httpmw"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/events"
	"github.com/agentrelay/agentrelay/internal/gateway"
	"github.com/agentrelay/agentrelay/internal/gitinfo"
	"github.com/agentrelay/agentrelay/internal/mcpserver"
	"github.com/agentrelay/agentrelay/internal/storage"
	"github.com/agentrelay/agentrelay/internal/tracing"
	"github.com/agentrelay/agentrelay/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting relayd...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: in-memory by default, NATS when configured.
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	// Snapshot store.
	store, err := storage.Open(cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to open snapshot store", zap.Error(err))
	}
	log.Info("Snapshot store ready", zap.String("driver", cfg.Storage.Driver))

	// Adapters, launch profiles, and the subprocess launcher.
	wired, err := buildAdapters(cfg, log)
	if err != nil {
		log.Fatal("Failed to build adapters", zap.Error(err))
	}

	// Session manager.
	fanout := gateway.NewFanout(log)
	mgr, err := manager.New(manager.Deps{
		Config:      cfg,
		Bus:         providedBus.Bus,
		Store:       store,
		Resolver:    wired.resolver,
		Launcher:    wired.launcher,
		Broadcaster: fanout,
		Git:         gitinfo.NewResolver(log),
		Logger:      log,
	})
	if err != nil {
		log.Fatal("Failed to build session manager", zap.Error(err))
	}
	wired.bindEmitter(mgr)

	if err := mgr.Start(ctx); err != nil {
		log.Fatal("Failed to start session manager", zap.Error(err))
	}
	log.Info("Session manager started", zap.Int("sessions", len(mgr.List())))

	// Consumer gateway and CLI transport hub.
	gw := gateway.New(mgr, fanout, nil, cfg.Consumer, mgr.EmitEvent, log)
	hub := transport.NewHub(mgr.Registry(), wired.resolver, mgr, log)

	// HTTP surface.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.CORS())
	router.Use(httpmw.RequestLogger(log, "relayd"))
	router.Use(httpmw.OtelTracing("relayd"))

	router.GET("/ws/sessions/:id", gw.HandleConsumer)
	router.GET("/cli/ws", hub.HandleCLI)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  "relayd",
			"sessions": len(mgr.List()),
		})
	})
	registerAPIRoutes(router, mgr, log)

	// Optional MCP introspection server.
	var mcpCleanup func() error
	if cfg.MCP.Enabled {
		_, mcpCleanup, err = mcpserver.Provide(ctx, mcpserver.DefaultConfig(), mgr, log)
		if err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		log.Info("MCP introspection server enabled")
	}

	port := cfg.Server.Port
	if port == 0 {
		port = 8420
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("relayd listening",
			zap.Int("port", port),
			zap.String("consumer_ws", "/ws/sessions/:id"),
			zap.String("cli_ws", "/cli/ws"),
			zap.String("rest", "/api/v1"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down relayd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	hub.Stop()
	if mcpCleanup != nil {
		_ = mcpCleanup()
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Error("Session manager shutdown error", zap.Error(err))
	}
	if err := wired.shutdown(shutdownCtx); err != nil {
		log.Error("Adapter shutdown error", zap.Error(err))
	}
	if err := store.Close(shutdownCtx); err != nil {
		log.Error("Snapshot store close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("relayd stopped")
}
