package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/adapter"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/events"
)

const (
	ptyCols = 80
	ptyRows = 24

	// A relaunch with a resume id that dies this quickly never resumed.
	resumeFailureWindow = 5 * time.Second
)

// EmitFunc publishes a process event on the bus.
type EmitFunc func(event, sessionID string, data map[string]any)

// Proc is one launched backend subprocess. It satisfies the forward
// adapters' Proc contracts: stdin/stdout for the protocol channel on
// codex and acp, BaseURL for the gemini bridge.
type Proc struct {
	sessionID string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.Reader
	ptmx      PtyHandle
	baseURL   string

	done     chan struct{}
	killOnce sync.Once

	// pumps tracks the output scanner goroutines; the exit event is
	// held back until they drain so output events never trail it.
	pumps sync.WaitGroup
}

func (p *Proc) Stdin() io.WriteCloser { return p.stdin }
func (p *Proc) Stdout() io.Reader { return p.stdout }
func (p *Proc) BaseURL() string { return p.baseURL }
func (p *Proc) Done() <-chan struct{} { return p.done }

// PID returns the OS process id, or 0 before start.
func (p *Proc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Kill terminates the subprocess. Idempotent; the exit is still
// reported through the launcher's process.exited event.
func (p *Proc) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if p.ptmx != nil {
			_ = p.ptmx.Close()
		}
		if p.cmd.Process != nil {
			err = p.cmd.Process.Kill()
		}
	})
	return err
}

// Launcher spawns and supervises backend CLI subprocesses from launch
// profiles. Output lines are emitted as process events; the manager
// ring-buffers and fans them out.
type Launcher struct {
	profiles map[string]adapter.LaunchProfile
	wsURL    string // base dial-back URL, e.g. ws://127.0.0.1:8080/cli/ws
	emit     EmitFunc
	logger   *logger.Logger

	mu    sync.Mutex
	procs map[string]*Proc
}

func NewLauncher(profiles map[string]adapter.LaunchProfile, wsURL string, emit EmitFunc, log *logger.Logger) *Launcher {
	return &Launcher{
		profiles: profiles,
		wsURL:    wsURL,
		emit:     emit,
		logger:   log,
		procs:    make(map[string]*Proc),
	}
}

// Launch spawns the CLI for an inverted adapter session. The protocol
// flows over the dial-back socket, so both stdout and stderr are
// treated as log output.
func (l *Launcher) Launch(ctx context.Context, sessionID, adapterName string, opts adapter.ConnectOptions) (*Proc, error) {
	return l.spawn(ctx, sessionID, adapterName, opts, false)
}

func (l *Launcher) spawn(ctx context.Context, sessionID, adapterName string, opts adapter.ConnectOptions, protocolOnStdout bool) (*Proc, error) {
	profile, ok := l.profiles[adapterName]
	if !ok {
		return nil, fmt.Errorf("no launch profile for adapter %s", adapterName)
	}

	l.mu.Lock()
	if _, exists := l.procs[sessionID]; exists {
		l.mu.Unlock()
		return nil, fmt.Errorf("process already running for session %s", sessionID)
	}
	l.mu.Unlock()

	vars := map[string]string{
		"session_id":        sessionID,
		"cwd":               opts.Cwd,
		"ws_url":            l.wsURL + "?session_id=" + sessionID,
		"resume_session_id": opts.ResumeSessionID,
	}

	var baseURL string
	if profileWantsPort(profile) {
		port, err := freePort()
		if err != nil {
			return nil, fmt.Errorf("allocating port: %w", err)
		}
		vars["port"] = fmt.Sprintf("%d", port)
		baseURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	}

	args := make([]string, len(profile.Args))
	for i, a := range profile.Args {
		args[i] = adapter.Expand(a, vars)
	}

	cmd := exec.Command(profile.Command, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = os.Environ()
	for key, value := range profile.Env {
		cmd.Env = append(cmd.Env, key+"="+adapter.Expand(value, vars))
	}
	for key, value := range opts.Extra {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	p := &Proc{
		sessionID: sessionID,
		cmd:       cmd,
		baseURL:   baseURL,
		done:      make(chan struct{}),
	}

	log := l.logger.WithSessionID(sessionID).WithAdapter(adapterName)

	if profile.PTY {
		ptmx, err := startPTY(cmd, ptyCols, ptyRows)
		if err != nil {
			l.reportSpawnFailure(sessionID, opts, err)
			return nil, fmt.Errorf("starting %s under pty: %w", profile.Command, err)
		}
		p.ptmx = ptmx
		p.stdin = ptmx
		p.pumps.Add(1)
		go func() {
			defer p.pumps.Done()
			l.scanPTY(sessionID, ptmx, log)
		}()
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		p.stdin = stdin

		if protocolOnStdout {
			p.stdout = stdout
		} else {
			p.pumps.Add(1)
			go func() {
				defer p.pumps.Done()
				l.scanLines(sessionID, stdout, "stdout", log)
			}()
		}
		p.pumps.Add(1)
		go func() {
			defer p.pumps.Done()
			l.scanLines(sessionID, stderr, "stderr", log)
		}()

		if err := cmd.Start(); err != nil {
			l.reportSpawnFailure(sessionID, opts, err)
			return nil, fmt.Errorf("starting %s: %w", profile.Command, err)
		}
	}

	l.mu.Lock()
	l.procs[sessionID] = p
	l.mu.Unlock()

	log.Info("backend process started",
		zap.String("command", profile.Command),
		zap.Int("pid", p.PID()),
		zap.Bool("pty", profile.PTY))

	go l.wait(p, opts, log)
	return p, nil
}

// Stop kills the subprocess owned by a session, if any.
func (l *Launcher) Stop(sessionID string) {
	l.mu.Lock()
	p := l.procs[sessionID]
	l.mu.Unlock()
	if p != nil {
		_ = p.Kill()
	}
}

// StopAll kills every launched subprocess. Used on shutdown.
func (l *Launcher) StopAll() {
	l.mu.Lock()
	procs := make([]*Proc, 0, len(l.procs))
	for _, p := range l.procs {
		procs = append(procs, p)
	}
	l.mu.Unlock()
	for _, p := range procs {
		_ = p.Kill()
	}
}

// Get returns the live process for a session, or nil.
func (l *Launcher) Get(sessionID string) *Proc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[sessionID]
}

func (l *Launcher) wait(p *Proc, opts adapter.ConnectOptions, log *logger.Logger) {
	started := time.Now()
	err := p.cmd.Wait()

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	// Let the output pumps drain before announcing the exit; consumers
	// treat the exit event as "no more output follows".
	p.pumps.Wait()

	l.mu.Lock()
	delete(l.procs, p.sessionID)
	l.mu.Unlock()
	close(p.done)

	log.Info("backend process exited", zap.Int("exit_code", exitCode))
	l.emit(events.ProcessExited, p.sessionID, map[string]any{"exit_code": exitCode})

	if opts.ResumeSessionID != "" && exitCode != 0 && time.Since(started) < resumeFailureWindow {
		l.emit(events.ProcessResumeFailed, p.sessionID, map[string]any{
			"resume_session_id": opts.ResumeSessionID,
			"exit_code":         exitCode,
		})
	}
}

func (l *Launcher) reportSpawnFailure(sessionID string, opts adapter.ConnectOptions, err error) {
	if opts.ResumeSessionID != "" {
		l.emit(events.ProcessResumeFailed, sessionID, map[string]any{
			"resume_session_id": opts.ResumeSessionID,
			"error":             err.Error(),
		})
	}
}

func (l *Launcher) scanLines(sessionID string, r io.Reader, stream string, log *logger.Logger) {
	event := events.ProcessStdout
	if stream == "stderr" {
		event = events.ProcessStderr
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		l.emit(event, sessionID, map[string]any{"stream": stream, "line": line})
	}
	if err := scanner.Err(); err != nil {
		log.Debug("process output scan ended", zap.String("stream", stream), zap.Error(err))
	}
}

func profileWantsPort(p adapter.LaunchProfile) bool {
	if strings.Contains(p.Command, "${port}") {
		return true
	}
	for _, a := range p.Args {
		if strings.Contains(a, "${port}") {
			return true
		}
	}
	for _, v := range p.Env {
		if strings.Contains(v, "${port}") {
			return true
		}
	}
	return false
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port, nil
}
