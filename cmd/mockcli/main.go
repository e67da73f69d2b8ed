// Package main implements mockcli, a fake agent CLI for exercising the
// relay without a real backend. It dials the inverted transport hub,
// performs the stream-json handshake, and echoes user messages back as
// assistant turns. Useful for demos and end-to-end testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
)

func main() {
	var (
		wsURL      = flag.String("ws-url", "ws://127.0.0.1:8420/cli/ws", "relay CLI WebSocket URL (may include ?session_id=)")
		sessionID  = flag.String("session-id", "", "relay session id to attach to")
		cwd        = flag.String("cwd", defaultCwd(), "working directory to report")
		model      = flag.String("model", "mock-model-1", "model name to report")
		permitEach = flag.Int("permission-every", 0, "request tool permission on every Nth turn (0 disables)")
		logLevel   = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	if *sessionID == "" && !strings.Contains(*wsURL, "session_id=") {
		fmt.Fprintln(os.Stderr, "usage: mockcli --session-id <id> [--ws-url ws://...]")
		os.Exit(2)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: *logLevel, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	agent := &mockAgent{
		sessionID:      *sessionID,
		cliSessionID:   "mock-" + uuid.NewString(),
		cwd:            *cwd,
		model:          *model,
		permissionEach: *permitEach,
		logger:         log,
	}

	if err := agent.run(*wsURL); err != nil {
		log.Fatal("mockcli failed", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-agent.done:
	}
	agent.close()
	log.Info("mockcli stopped")
}

func defaultCwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "/"
	}
	return wd
}
