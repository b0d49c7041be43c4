package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server         ServerConfig     `json:"server"`
	Providers      []ProviderConfig `json:"providers"`
	Models         ModelsConfig     `json:"models"`
	Database       DatabaseConfig   `json:"database"`
	Embedding      EmbeddingConfig  `json:"embedding"`
	Workers        WorkersConfig    `json:"workers"`
	Pipeline       PipelineConfig   `json:"pipeline"`
	CharactersPath string           `json:"characters_path"`
	KeyEventsPath  string           `json:"key_events_path"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// ModelsConfig maps the two model tiers onto concrete model names.
// Bindings pins a tier ("small" or "large") to a provider id; unbound tiers
// use the first provider. Fallbacks is tried in order for every tier.
type ModelsConfig struct {
	Small     string            `json:"small"`
	Large     string            `json:"large"`
	Bindings  map[string]string `json:"bindings,omitempty"`
	Fallbacks []string          `json:"fallbacks,omitempty"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN                 string `json:"dsn"`
	MigrationsDir       string `json:"migrations_dir"`
	HealthCheckSeconds  int    `json:"health_check_seconds"`
	ReconnectAttempts   int    `json:"reconnect_attempts"`
	ReconnectDelayMilli int    `json:"reconnect_delay_ms"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
	CacheSize int64  `json:"cache_size"`
}

// WorkersConfig controls the polling pools. Count 0 derives the pool size
// from the number of configured characters.
type WorkersConfig struct {
	Count              int  `json:"count"`
	TaskTimeoutSeconds int  `json:"task_timeout_seconds"`
	CycleIntervalMilli int  `json:"cycle_interval_ms"`
	ClaimLeaseSeconds  int  `json:"claim_lease_seconds"`
	ReaperSeconds      int  `json:"reaper_seconds"`
	Behavior           bool `json:"behavior"`
	Comments           bool `json:"comments"`
}

// PipelineConfig toggles optional LLM calls in the decision pipelines.
type PipelineConfig struct {
	RateImportance bool `json:"rate_importance"`
	SpeechGate     bool `json:"speech_gate"`
}

// TaskTimeout returns the per-task timeout of the worker pools.
func (w WorkersConfig) TaskTimeout() time.Duration {
	return time.Duration(w.TaskTimeoutSeconds) * time.Second
}

// CycleInterval returns the pause between two polling cycles.
func (w WorkersConfig) CycleInterval() time.Duration {
	return time.Duration(w.CycleIntervalMilli) * time.Millisecond
}

// ClaimLease returns how long a claim may stay unfinished before it is
// released. Zero disables the reaper.
func (w WorkersConfig) ClaimLease() time.Duration {
	return time.Duration(w.ClaimLeaseSeconds) * time.Second
}

// ReaperInterval returns how often expired claims are released.
func (w WorkersConfig) ReaperInterval() time.Duration {
	return time.Duration(w.ReaperSeconds) * time.Second
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw JSON config, resolving environment references and
// filling defaults.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a config populated with the reference deployment values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info"},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				MigrationsDir:       "migrations",
				HealthCheckSeconds:  30,
				ReconnectAttempts:   3,
				ReconnectDelayMilli: 2000,
			},
			Qdrant: QdrantConfig{Collection: "key_events"},
		},
		Embedding: EmbeddingConfig{
			Provider:  "api",
			Model:     "text-embedding-3-small",
			Dimension: 1536,
			CacheSize: 1 << 14,
		},
		Models: ModelsConfig{Small: "gpt-4o-mini", Large: "gpt-4o"},
		Workers: WorkersConfig{
			TaskTimeoutSeconds: 76,
			CycleIntervalMilli: 2000,
			ClaimLeaseSeconds:  600,
			ReaperSeconds:      60,
			Behavior:           true,
			Comments:           true,
		},
		CharactersPath: "configs/characters.yaml",
		KeyEventsPath:  "configs/key_events.yaml",
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Workers.TaskTimeoutSeconds <= 0 {
		c.Workers.TaskTimeoutSeconds = def.Workers.TaskTimeoutSeconds
	}
	if c.Workers.CycleIntervalMilli <= 0 {
		c.Workers.CycleIntervalMilli = def.Workers.CycleIntervalMilli
	}
	if c.Workers.ClaimLeaseSeconds < 0 {
		c.Workers.ClaimLeaseSeconds = 0
	}
	if c.Workers.ReaperSeconds <= 0 {
		c.Workers.ReaperSeconds = def.Workers.ReaperSeconds
	}
	if c.Database.Postgres.ReconnectAttempts <= 0 {
		c.Database.Postgres.ReconnectAttempts = def.Database.Postgres.ReconnectAttempts
	}
	if c.Models.Large == "" {
		c.Models.Large = c.Models.Small
	}
}
