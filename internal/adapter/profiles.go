package adapter

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LaunchProfile declares how a backend CLI is spawned. Args and Env values
// may reference ${session_id}, ${ws_url}, and ${cwd}; the launcher expands
// them at spawn time.
type LaunchProfile struct {
	Command          string            `yaml:"command"`
	Args             []string          `yaml:"args"`
	Env              map[string]string `yaml:"env"`
	PTY              bool              `yaml:"pty"`
	StartupTimeoutMs int               `yaml:"startup_timeout_ms"`
}

// StartupTimeout returns the profile's startup timeout, defaulting to 30 s.
func (p LaunchProfile) StartupTimeout() time.Duration {
	if p.StartupTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.StartupTimeoutMs) * time.Millisecond
}

// Expand substitutes launch variables into a profile string.
func Expand(s string, vars map[string]string) string {
	for key, value := range vars {
		s = strings.ReplaceAll(s, "${"+key+"}", value)
	}
	return s
}

// DefaultProfiles returns the built-in launch profiles. A profiles file
// overrides entries by adapter name.
func DefaultProfiles() map[string]LaunchProfile {
	return map[string]LaunchProfile{
		"claude": {
			Command: "claude",
			Args: []string{
				"--input-format", "stream-json",
				"--output-format", "stream-json",
				"--sdk-url", "${ws_url}",
			},
			Env: map[string]string{"CLAUDE_CODE_SESSION_ID": "${session_id}"},
		},
		"codex": {
			Command: "codex",
			Args:    []string{"app-server"},
		},
		"gemini": {
			Command:          "gemini",
			Args:             []string{"--experimental-acp-server", "--port", "${port}"},
			StartupTimeoutMs: 30000,
		},
		"acp": {
			Command: "agent",
			Args:    []string{"--acp"},
		},
		"mock": {
			Command: "mockcli",
			Args:    []string{"--ws-url", "${ws_url}", "--session-id", "${session_id}"},
		},
	}
}

// LoadProfiles reads launch profiles from a YAML file and merges them over
// the built-in defaults. An empty path returns the defaults unchanged.
func LoadProfiles(path string) (map[string]LaunchProfile, error) {
	profiles := DefaultProfiles()
	if path == "" {
		return profiles, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles file: %w", err)
	}

	var loaded map[string]LaunchProfile
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse profiles file: %w", err)
	}

	for name, profile := range loaded {
		if profile.Command == "" {
			return nil, fmt.Errorf("profile %q has no command", name)
		}
		profiles[name] = profile
	}
	return profiles, nil
}
