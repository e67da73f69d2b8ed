package process

import (
	"context"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/adapter/acp"
	"github.com/agentrelay/agentrelay/internal/adapter/codex"
	"github.com/agentrelay/agentrelay/internal/adapter/gemini"
)

// The forward adapters each declare their own Runner interface; these
// wrappers satisfy them on top of the shared launcher. Codex and ACP
// speak their protocol over stdio, so stdout is handed to the adapter
// instead of the log scanner.

type CodexRunner struct {
	Launcher *Launcher
}

func (r CodexRunner) Start(ctx context.Context, sessionID string, opts adapter.ConnectOptions) (codex.Proc, error) {
	p, err := r.Launcher.spawn(ctx, sessionID, codex.Name, opts, true)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type ACPRunner struct {
	Launcher *Launcher
}

func (r ACPRunner) Start(ctx context.Context, sessionID string, opts adapter.ConnectOptions) (acp.Proc, error) {
	p, err := r.Launcher.spawn(ctx, sessionID, acp.Name, opts, true)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type GeminiRunner struct {
	Launcher *Launcher
}

func (r GeminiRunner) Start(ctx context.Context, sessionID string, opts adapter.ConnectOptions) (gemini.Proc, error) {
	p, err := r.Launcher.spawn(ctx, sessionID, gemini.Name, opts, false)
	if err != nil {
		return nil, err
	}
	return p, nil
}
