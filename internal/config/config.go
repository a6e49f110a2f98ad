package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// minPingInterval is the keepalive floor. Shorter intervals produce false
// timeouts on slow links.
const minPingInterval = 30 * time.Second

// Config holds all environment-based configuration for ha-sync.
type Config struct {
	// Hub endpoint and credentials.
	WSURL       string `env:"HA_WS_URL"`
	AccessToken string `env:"HA_ACCESS_TOKEN"`

	// REST tier and keepalive.
	RESTEnabled  bool          `env:"HA_REST_ENABLED" envDefault:"true"`
	PingInterval time.Duration `env:"HA_PING_INTERVAL" envDefault:"30s"`

	// Comma separated domain.service pairs sent over REST instead of the
	// websocket session.
	RESTCommands string `env:"HA_REST_COMMANDS" envDefault:"lock.unlock,lock.open,alarm_control_panel.alarm_disarm"`

	LayoutPath string `env:"LAYOUT_PATH" envDefault:"layout.json"`

	// bbolt database. Defaults to ~/.ha-sync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Link supervision. An empty interface disables link recovery.
	LinkIface      string `env:"LINK_IFACE"`
	LinkControlCmd string `env:"LINK_CONTROL_CMD" envDefault:"wpa_cli"`
	LinkResetCmd   string `env:"LINK_RESET_CMD"`

	// Recovery thresholds.
	ErrorStreakLink       int `env:"RECOVERY_ERROR_STREAK_LINK" envDefault:"3"`
	ErrorStreakTransport  int `env:"RECOVERY_ERROR_STREAK_TRANSPORT" envDefault:"4"`
	ShortSessionLink      int `env:"RECOVERY_SHORT_SESSIONS_LINK" envDefault:"4"`
	ShortSessionTransport int `env:"RECOVERY_SHORT_SESSIONS_TRANSPORT" envDefault:"6"`

	// Local HTTP surface. Empty address disables it.
	HTTPListenAddr string `env:"HTTP_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
	APITokenHash   string `env:"API_TOKEN_HASH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the access token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.PingInterval < minPingInterval {
		cfg.PingInterval = minPingInterval
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	absLayout, err := filepath.Abs(cfg.LayoutPath)
	if err != nil {
		return nil, fmt.Errorf("resolving layout path: %w", err)
	}

	cfg.LayoutPath = absLayout

	return cfg, nil
}

func (c *Config) validate() error {
	if c.WSURL == "" {
		return fmt.Errorf("HA_WS_URL is required")
	}

	u, err := url.Parse(c.WSURL)
	if err != nil {
		return fmt.Errorf("HA_WS_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("HA_WS_URL must use ws:// or wss://, got %q", u.Scheme)
	}

	if u.Hostname() == "" {
		return fmt.Errorf("HA_WS_URL has no host")
	}

	if c.AccessToken == "" {
		return fmt.Errorf("HA_ACCESS_TOKEN is required")
	}

	if c.LayoutPath == "" {
		return fmt.Errorf("LAYOUT_PATH is required")
	}

	if c.ErrorStreakLink <= 0 || c.ShortSessionLink <= 0 {
		return fmt.Errorf("recovery thresholds must be positive")
	}

	if c.ErrorStreakTransport < c.ErrorStreakLink {
		return fmt.Errorf("RECOVERY_ERROR_STREAK_TRANSPORT must be >= RECOVERY_ERROR_STREAK_LINK")
	}

	if c.ShortSessionTransport < c.ShortSessionLink {
		return fmt.Errorf("RECOVERY_SHORT_SESSIONS_TRANSPORT must be >= RECOVERY_SHORT_SESSIONS_LINK")
	}

	if _, err := c.ParseRESTCommands(); err != nil {
		return err
	}

	return nil
}

// DefaultStatePath returns ~/.ha-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".ha-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParseRESTCommands parses HA_REST_COMMANDS.
// Format: "lock.unlock,alarm_control_panel.alarm_disarm"
func (c *Config) ParseRESTCommands() ([]string, error) {
	var out []string

	seen := make(map[string]struct{})

	for _, pair := range strings.Split(c.RESTCommands, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		domain, service, ok := strings.Cut(pair, ".")
		if !ok || domain == "" || service == "" {
			return nil, fmt.Errorf("invalid HA_REST_COMMANDS entry %q (want domain.service)", pair)
		}

		if _, dup := seen[pair]; dup {
			continue
		}

		seen[pair] = struct{}{}
		out = append(out, pair)
	}

	return out, nil
}
