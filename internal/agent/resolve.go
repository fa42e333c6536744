package agent

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// resolveCacheTTL bounds how often the executable lookup runs. Lookups walk
// several filesystem locations, so the result (including failure) is cached
// briefly.
const resolveCacheTTL = time.Minute

// findAgentBinary locates the claude executable, checking an explicit
// override, PATH, then common install locations.
func findAgentBinary(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("configured agent binary %s: %w", override, err)
		}
		return override, nil
	}

	if path, err := exec.LookPath("claude"); err == nil {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}

	commonPaths := []string{
		filepath.Join(home, ".claude", "local", "claude"),
		filepath.Join(home, ".claude", "claude"),
		filepath.Join(home, ".local", "bin", "claude"),
		filepath.Join(home, "bin", "claude"),
		"/opt/homebrew/bin/claude",
		"/usr/local/bin/claude",
	}

	for _, p := range commonPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("claude executable not found in PATH or common install locations; " +
		"install Claude Code (npm install -g @anthropic-ai/claude-code) or set agent_binary in the config file")
}

// resolveAgentPath returns the cached executable path, refreshing it when
// the cache entry is older than resolveCacheTTL.
func (r *Runner) resolveAgentPath() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.resolvedAt.IsZero() && time.Since(r.resolvedAt) < resolveCacheTTL {
		return r.resolvedPath, r.resolvedErr
	}
	r.resolvedPath, r.resolvedErr = findAgentBinary(r.Binary)
	r.resolvedAt = time.Now()
	return r.resolvedPath, r.resolvedErr
}
