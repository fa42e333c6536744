// Package config loads the server's TOML configuration file.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds server settings. Every field is optional; zero values fall
// back to defaults.
type Config struct {
	// DBPath is the SQLite database location.
	DBPath string `toml:"db_path"`
	// Listen is the HTTP listen address.
	Listen string `toml:"listen"`
	// AgentBinary overrides agent executable resolution.
	AgentBinary string `toml:"agent_binary"`
	// ScratchDir holds staged image files.
	ScratchDir string `toml:"scratch_dir"`
	// HistoryTurns caps the conversational history block.
	HistoryTurns int `toml:"history_turns"`
	// StreamIdleMinutes force-closes idle event streams.
	StreamIdleMinutes int `toml:"stream_idle_minutes"`
	// Desktop notifications toggle.
	Notifications bool `toml:"notifications"`
	Debug         bool `toml:"debug"`

	// Plan detection tuning.
	PlanMinContentLen int `toml:"plan_min_content_len"`
	PlanMinHeadings   int `toml:"plan_min_headings"`
	PlanMinListItems  int `toml:"plan_min_list_items"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		DBPath:            filepath.Join(home, ".walkietalkie", "walkietalkie.db"),
		Listen:            "127.0.0.1:8374",
		HistoryTurns:      5,
		StreamIdleMinutes: 30,
		Notifications:     true,
	}
}

// Load reads a TOML config file and overlays it on the defaults. A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// StreamIdleTimeout returns the idle timeout as a duration.
func (c Config) StreamIdleTimeout() time.Duration {
	minutes := c.StreamIdleMinutes
	if minutes <= 0 {
		minutes = 30
	}
	return time.Duration(minutes) * time.Minute
}
