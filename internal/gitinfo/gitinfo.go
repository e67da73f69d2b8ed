// Package gitinfo resolves the version-control state of a session's
// working directory by shelling out to git.
package gitinfo

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/broker/session"
	"github.com/agentrelay/agentrelay/internal/common/logger"
)

const commandTimeout = 3 * time.Second

// Resolver shells out to git for branch, dirty flag, and origin URL.
// Directories that turn out not to be repositories are remembered per
// session so joins and results don't re-fork git for nothing.
type Resolver struct {
	logger *logger.Logger

	mu       sync.Mutex
	notARepo map[string]string // sessionID -> cwd that failed
}

func NewResolver(log *logger.Logger) *Resolver {
	return &Resolver{
		logger:   log,
		notARepo: make(map[string]string),
	}
}

// Refresh resolves git info for the session cwd and updates
// State.Git in place. Returns true when the info changed. Wired as the
// runtime's git hook; callers hold the session's dispatch lock.
func (r *Resolver) Refresh(s *session.Session) bool {
	cwd := s.State.Cwd
	if cwd == "" {
		return false
	}

	r.mu.Lock()
	if r.notARepo[s.ID] == cwd {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	info, ok := r.resolve(cwd)
	if !ok {
		r.mu.Lock()
		r.notARepo[s.ID] = cwd
		r.mu.Unlock()
		if s.State.Git != nil {
			s.State.Git = nil
			return true
		}
		return false
	}

	if s.State.Git != nil && *s.State.Git == *info {
		return false
	}
	s.State.Git = info
	return true
}

// Forget drops the per-session gate. Called when a session closes.
func (r *Resolver) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.notARepo, sessionID)
}

func (r *Resolver) resolve(cwd string) (*session.GitInfo, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	branch, err := r.git(ctx, cwd, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, false
	}

	info := &session.GitInfo{Branch: branch}

	if status, err := r.git(ctx, cwd, "status", "--porcelain"); err == nil {
		info.Dirty = status != ""
	}
	if remote, err := r.git(ctx, cwd, "remote", "get-url", "origin"); err == nil {
		info.RemoteURL = remote
	}
	return info, true
}

func (r *Resolver) git(ctx context.Context, cwd string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", cwd}, args...)...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		r.logger.Debug("git command failed",
			zap.Strings("args", args),
			zap.String("cwd", cwd),
			zap.Error(err))
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}
