package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for batch-sync.
type Config struct {
	// Remote store connection (required).
	RemoteURL    string `env:"REMOTE_API_URL"`
	RemoteAPIKey string `env:"REMOTE_API_KEY"`

	// Session identity. USER_ID is required; LOCATION_ID switches the
	// gateway to shared-location scope when membership is confirmed.
	UserID     string `env:"USER_ID"`
	LocationID string `env:"LOCATION_ID" envDefault:""`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Sync timing.
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"60s"`
	ProbeTimeout  time.Duration `env:"PROBE_TIMEOUT" envDefault:"5s"`
	RetryCooldown time.Duration `env:"RETRY_COOLDOWN" envDefault:"5s"`

	// Companion dashboard.
	EnableDashboard bool   `env:"ENABLE_DASHBOARD" envDefault:"true"`
	DashboardAddr   string `env:"DASHBOARD_LISTEN_ADDR" envDefault:":8080"`

	// State database path. Empty means ~/.batch-sync/state.db.
	StatePath string `env:"STATE_PATH" envDefault:""`

	// Optional YAML file mapping collections to remote tables.
	CollectionsFile string `env:"COLLECTIONS_FILE" envDefault:""`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Tables is populated from CollectionsFile (or defaults), not env.
	Tables Tables `env:"-"`
}

// Tables names the remote tables backing each collection.
type Tables struct {
	Workflows string `yaml:"workflows"`
	Batches   string `yaml:"batches"`
	Members   string `yaml:"members"`
}

func defaultTables() Tables {
	return Tables{
		Workflows: "workflows",
		Batches:   "batches",
		Members:   "location_members",
	}
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the API key to other users.
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

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "batch-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	tables, err := loadTables(cfg.CollectionsFile)
	if err != nil {
		return nil, err
	}

	cfg.Tables = tables

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("REMOTE_API_URL is required")
	}

	if !strings.HasPrefix(c.RemoteURL, "http://") && !strings.HasPrefix(c.RemoteURL, "https://") {
		return fmt.Errorf("REMOTE_API_URL must be an http(s) URL")
	}

	if c.RemoteAPIKey == "" {
		return fmt.Errorf("REMOTE_API_KEY is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("USER_ID is required")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}

	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("PROBE_TIMEOUT must be positive")
	}

	if c.ProbeTimeout >= c.PollInterval {
		return fmt.Errorf("PROBE_TIMEOUT must be shorter than POLL_INTERVAL")
	}

	return nil
}

// loadTables reads the collections file if one is configured, filling
// unset entries from the defaults.
func loadTables(path string) (Tables, error) {
	tables := defaultTables()
	if path == "" {
		return tables, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("reading collections file: %w", err)
	}

	var loaded Tables
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return Tables{}, fmt.Errorf("parsing collections file: %w", err)
	}

	if loaded.Workflows != "" {
		tables.Workflows = loaded.Workflows
	}

	if loaded.Batches != "" {
		tables.Batches = loaded.Batches
	}

	if loaded.Members != "" {
		tables.Members = loaded.Members
	}

	return tables, nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
