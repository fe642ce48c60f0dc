package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ClientConfig configures the treesync command line client.
type ClientConfig struct {
	ServerURL      string `toml:"server_url"`
	Token          string `toml:"token"`
	OrganizationID string `toml:"organization_id"`
	SessionID      string `toml:"session_id"`
	// TokenSecret is only needed to mint development tokens.
	TokenSecret string `toml:"token_secret"`

	Keepalive KeepaliveConfig `toml:"keepalive"`
	Reconnect ReconnectConfig `toml:"reconnect"`
}

type KeepaliveConfig struct {
	PingInterval   Duration `toml:"ping_interval"`
	PongTimeout    Duration `toml:"pong_timeout"`
	HealthInterval Duration `toml:"health_interval"`
	HealthTimeout  Duration `toml:"health_timeout"`
}

type ReconnectConfig struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
}

// Duration decodes TOML strings such as "20s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:   "ws://localhost:8787/ws",
		TokenSecret: "treesync-dev-secret",
		Keepalive: KeepaliveConfig{
			PingInterval:   Duration{20 * time.Second},
			PongTimeout:    Duration{5 * time.Second},
			HealthInterval: Duration{15 * time.Second},
			HealthTimeout:  Duration{45 * time.Second},
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   Duration{time.Second},
			MaxDelay:    Duration{30 * time.Second},
			MaxAttempts: 10,
		},
	}
}

// DefaultClientConfigPath is ~/.config/treesync/config.toml.
func DefaultClientConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "treesync.toml"
	}
	return filepath.Join(dir, "treesync", "config.toml")
}

// LoadClientConfig decodes path over the defaults. A missing file yields
// the defaults.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path == "" {
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultClientConfig(), nil
		}
		return ClientConfig{}, fmt.Errorf("read client config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return ClientConfig{}, fmt.Errorf("read client config %s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, nil
}

// SaveClientConfig writes cfg to path, creating parent directories.
func SaveClientConfig(path string, cfg ClientConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open client config: %w", err)
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("write client config: %w", err)
	}
	return nil
}
