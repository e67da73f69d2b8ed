package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/adapter/acp"
	"github.com/agentrelay/agentrelay/internal/adapter/claude"
	"github.com/agentrelay/agentrelay/internal/adapter/codex"
	"github.com/agentrelay/agentrelay/internal/adapter/gemini"
	"github.com/agentrelay/agentrelay/internal/broker/manager"
	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/process"
)

// wiredAdapters bundles the resolver, the subprocess launcher, and the
// late-bound event emitter that connects the launcher to the manager.
type wiredAdapters struct {
	resolver *adapter.Resolver
	launcher *process.Launcher
	emitter  *lateEmitter
	adapters []adapter.Adapter
}

// lateEmitter breaks the launcher/manager construction cycle: the
// launcher needs an emit function before the manager exists, so events
// are dropped until bindEmitter installs the manager.
type lateEmitter struct {
	mgr atomic.Pointer[manager.Manager]
}

func (e *lateEmitter) emit(event, sessionID string, data map[string]any) {
	if m := e.mgr.Load(); m != nil {
		m.EmitEvent(event, sessionID, data)
	}
}

func buildAdapters(cfg *config.Config, log *logger.Logger) (*wiredAdapters, error) {
	profiles := adapter.DefaultProfiles()
	if cfg.Backend.ProfilesPath != "" {
		loaded, err := adapter.LoadProfiles(cfg.Backend.ProfilesPath)
		if err != nil {
			return nil, fmt.Errorf("loading launch profiles: %w", err)
		}
		for name, p := range loaded {
			profiles[name] = p
		}
		log.Info("loaded launch profiles",
			zap.String("path", cfg.Backend.ProfilesPath),
			zap.Int("count", len(loaded)))
	}

	port := cfg.Server.Port
	if port == 0 {
		port = 8420
	}
	host := cfg.Server.Host
	if host == "" {
		host = "127.0.0.1"
	}
	wsURL := fmt.Sprintf("ws://%s:%d/cli/ws", host, port)

	emitter := &lateEmitter{}
	launcher := process.NewLauncher(profiles, wsURL, emitter.emit, log)

	adapters := []adapter.Adapter{
		claude.New(log),
		codex.New(process.CodexRunner{Launcher: launcher}, log),
		gemini.New(process.GeminiRunner{Launcher: launcher}, log),
		acp.New(process.ACPRunner{Launcher: launcher}, log),
	}

	resolver := adapter.NewResolver()
	for _, a := range adapters {
		if err := resolver.Register(a); err != nil {
			return nil, err
		}
	}
	log.Info("registered adapters", zap.Strings("names", resolver.Names()))

	return &wiredAdapters{
		resolver: resolver,
		launcher: launcher,
		emitter:  emitter,
		adapters: adapters,
	}, nil
}

func (w *wiredAdapters) bindEmitter(m *manager.Manager) {
	w.emitter.mgr.Store(m)
}

func (w *wiredAdapters) shutdown(ctx context.Context) error {
	w.launcher.StopAll()
	var firstErr error
	for _, a := range w.adapters {
		if err := a.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
