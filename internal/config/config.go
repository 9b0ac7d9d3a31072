// Package config provides configuration management for clusterscope.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultWorkerPort is the default HTTP port for the worker service.
	DefaultWorkerPort = 37790

	// DefaultEmbeddingDims matches the upstream embedding model (text-embedding-3-small).
	DefaultEmbeddingDims = 1536

	// StoreDriverPostgres selects the PostgreSQL + pgvector store.
	StoreDriverPostgres = "postgres"
	// StoreDriverMemory selects the in-process store. Data is lost on exit.
	StoreDriverMemory = "memory"
)

// Config holds the application configuration.
type Config struct {
	// Worker settings
	WorkerPort int `json:"worker_port"`

	// Database settings
	StoreDriver   string `json:"store_driver"`
	DatabaseDSN   string `json:"database_dsn"`
	MaxConns      int    `json:"max_conns"`
	EmbeddingDims int    `json:"embedding_dims"`

	// Runner settings
	WorkerConcurrency int           `json:"worker_concurrency"` // scenarios clustered at once, fixed at start
	PollInterval      time.Duration `json:"poll_interval"`      // how often pending scenarios are re-discovered
	StaleWorkspaceAge time.Duration `json:"stale_workspace_age"`

	// Maintenance settings
	MaintenanceEnabled  bool          `json:"maintenance_enabled"`
	MaintenanceInterval time.Duration `json:"maintenance_interval"`
	StuckScenarioAge    time.Duration `json:"stuck_scenario_age"` // processing scenarios older than this are failed

	// Clustering settings
	MaxIterations  int     `json:"max_iterations"`
	MaxRetries     int     `json:"max_retries"`
	SeedSeparation float64 `json:"seed_separation"`
	MaxK           int     `json:"max_k"`
	SampleSize     int     `json:"sample_size"` // sample titles kept per scenario cluster

	// Candidate scoring weights
	ViabilityWeight    float64 `json:"viability_weight"`
	RatioWeight        float64 `json:"ratio_weight"`
	ProblemCountWeight float64 `json:"problem_count_weight"`

	// Scenario creation limit per client, requests per second with burst.
	CreateRateLimit float64 `json:"create_rate_limit"`
	CreateRateBurst int     `json:"create_rate_burst"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.clusterscope).
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".clusterscope")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings creates a default settings file if it doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	defaultSettings := `{
  "CLUSTERSCOPE_WORKER_PORT": 37790,
  "CLUSTERSCOPE_STORE_DRIVER": "postgres",
  "CLUSTERSCOPE_WORKER_CONCURRENCY": 2,
  "CLUSTERSCOPE_MAX_K": 500
}
`
	return os.WriteFile(path, []byte(defaultSettings), 0600)
}

// EnsureAll ensures all required directories and files exist.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		WorkerPort:          DefaultWorkerPort,
		StoreDriver:         StoreDriverPostgres,
		MaxConns:            8,
		EmbeddingDims:       DefaultEmbeddingDims,
		WorkerConcurrency:   2,
		PollInterval:        30 * time.Second,
		StaleWorkspaceAge:   6 * time.Hour,
		MaintenanceEnabled:  true,
		MaintenanceInterval: time.Hour,
		StuckScenarioAge:    12 * time.Hour,
		MaxIterations:       100,
		MaxRetries:          3,
		SeedSeparation:      0.9,
		MaxK:                500,
		SampleSize:          5,
		ViabilityWeight:     0.4,
		RatioWeight:         0.3,
		ProblemCountWeight:  0.3,
		CreateRateLimit:     2,
		CreateRateBurst:     10,
	}
}

// Load loads configuration from the settings file, merging with defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	return LoadFile(SettingsPath())
}

// LoadFile loads configuration from path, merging with defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		applyEnv(cfg)
		return cfg, nil
	}

	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		applyEnv(cfg)
		return cfg, nil // Return defaults on parse error
	}

	applySettings(cfg, settings)
	applyEnv(cfg)
	return cfg, nil
}

func applySettings(cfg *Config, settings map[string]interface{}) {
	if v, ok := settings["CLUSTERSCOPE_WORKER_PORT"].(float64); ok && v > 0 {
		cfg.WorkerPort = int(v)
	}
	if v, ok := settings["CLUSTERSCOPE_STORE_DRIVER"].(string); ok && v != "" {
		cfg.StoreDriver = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := settings["CLUSTERSCOPE_DATABASE_DSN"].(string); ok {
		cfg.DatabaseDSN = v
	}
	if v, ok := settings["CLUSTERSCOPE_MAX_CONNS"].(float64); ok && v > 0 {
		cfg.MaxConns = int(v)
	}
	if v, ok := settings["CLUSTERSCOPE_EMBEDDING_DIMS"].(float64); ok && v > 0 {
		cfg.EmbeddingDims = int(v)
	}
	if v, ok := settings["CLUSTERSCOPE_WORKER_CONCURRENCY"].(float64); ok && v > 0 {
		cfg.WorkerConcurrency = int(v)
	}
	if v, ok := settings["CLUSTERSCOPE_POLL_INTERVAL"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PollInterval = d
		}
	}
	if v, ok := settings["CLUSTERSCOPE_STALE_WORKSPACE_AGE"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.StaleWorkspaceAge = d
		}
	}
	if v, ok := settings["CLUSTERSCOPE_MAINTENANCE_ENABLED"].(bool); ok {
		cfg.MaintenanceEnabled = v
	}
	if v, ok := settings["CLUSTERSCOPE_MAINTENANCE_INTERVAL"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil && d >= time.Minute {
			cfg.MaintenanceInterval = d
		}
	}
	if v, ok := settings["CLUSTERSCOPE_STUCK_SCENARIO_AGE"].(string); ok {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.StuckScenarioAge = d
		}
	}
	if v, ok := settings["CLUSTERSCOPE_MAX_ITERATIONS"].(float64); ok && v > 0 {
		cfg.MaxIterations = int(v)
	}
	if v, ok := settings["CLUSTERSCOPE_MAX_RETRIES"].(float64); ok && v >= 0 {
		cfg.MaxRetries = int(v)
	}
	if v, ok := settings["CLUSTERSCOPE_SEED_SEPARATION"].(float64); ok && v > 0 && v <= 1 {
		cfg.SeedSeparation = v
	}
	if v, ok := settings["CLUSTERSCOPE_MAX_K"].(float64); ok && v > 0 {
		cfg.MaxK = int(v)
	}
	if v, ok := settings["CLUSTERSCOPE_SAMPLE_SIZE"].(float64); ok && v > 0 {
		cfg.SampleSize = int(v)
	}
	if v, ok := settings["CLUSTERSCOPE_VIABILITY_WEIGHT"].(float64); ok && v >= 0 {
		cfg.ViabilityWeight = v
	}
	if v, ok := settings["CLUSTERSCOPE_RATIO_WEIGHT"].(float64); ok && v >= 0 {
		cfg.RatioWeight = v
	}
	if v, ok := settings["CLUSTERSCOPE_PROBLEM_COUNT_WEIGHT"].(float64); ok && v >= 0 {
		cfg.ProblemCountWeight = v
	}
	if v, ok := settings["CLUSTERSCOPE_CREATE_RATE_LIMIT"].(float64); ok && v > 0 {
		cfg.CreateRateLimit = v
	}
	if v, ok := settings["CLUSTERSCOPE_CREATE_RATE_BURST"].(float64); ok && v > 0 {
		cfg.CreateRateBurst = int(v)
	}
}

func applyEnv(cfg *Config) {
	if dsn := os.Getenv("CLUSTERSCOPE_DATABASE_DSN"); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if driver := os.Getenv("CLUSTERSCOPE_STORE_DRIVER"); driver != "" {
		cfg.StoreDriver = strings.ToLower(strings.TrimSpace(driver))
	}
	if port := os.Getenv("CLUSTERSCOPE_WORKER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			cfg.WorkerPort = p
		}
	}
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		configMu.Lock()
		globalConfig = cfg
		configMu.Unlock()
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// Reload re-reads the settings file and replaces the global configuration.
// The previous configuration is kept when the file cannot be read.
func Reload() (*Config, error) {
	Get()
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetWorkerPort returns the worker port from environment or config.
func GetWorkerPort() int {
	return Get().WorkerPort
}
