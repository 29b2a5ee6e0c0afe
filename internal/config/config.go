// Package config loads tiermem settings from defaults, an optional file and
// TIERMEM_ environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/llm"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/retrieval"
	"github.com/rcliao/tiered-memory/internal/snapshot"
)

// EnvPrefix prefixes every environment override, e.g. TIERMEM_STORAGE_PATH.
const EnvPrefix = "TIERMEM"

type Config struct {
	Storage     StorageConfig     `mapstructure:"storage"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	Log         LogConfig         `mapstructure:"log"`
	Server      ServerConfig      `mapstructure:"server"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type SnapshotConfig struct {
	TriggerCount      int           `mapstructure:"trigger_count"`
	TriggerInterval   time.Duration `mapstructure:"trigger_interval"`
	MetaClusterSize   int           `mapstructure:"meta_cluster_size"`
	MaxKeyPoints      int           `mapstructure:"max_key_points"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`
}

type RetrievalConfig struct {
	MinScore          float64           `mapstructure:"min_score"`
	TopK              int               `mapstructure:"top_k"`
	HistoryWindow     int               `mapstructure:"history_window"`
	RecencyDecay      float64           `mapstructure:"recency_decay"`
	Narrow            bool              `mapstructure:"narrow"`
	SnapshotThreshold float64           `mapstructure:"snapshot_threshold"`
	Weights           retrieval.Weights `mapstructure:"weights"`
}

type MaintenanceConfig struct {
	RetentionDays int           `mapstructure:"retention_days"`
	Interval      time.Duration `mapstructure:"interval"`
}

type LLMConfig struct {
	Provider          string  `mapstructure:"provider"` // none | openai | anthropic
	Model             string  `mapstructure:"model"`
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	MaxTokens         int64   `mapstructure:"max_tokens"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type EmbeddingConfig struct {
	Provider string        `mapstructure:"provider"` // "" | hash | ollama | openai
	Model    string        `mapstructure:"model"`
	URL      string        `mapstructure:"url"`
	APIKey   string        `mapstructure:"api_key"`
	Dims     int           `mapstructure:"dims"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text | json
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers every key so environment overrides apply on Unmarshal.
func SetDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("storage.path", filepath.Join(home, ".tiermem", "memory.db"))

	v.SetDefault("snapshot.trigger_count", 5)
	v.SetDefault("snapshot.trigger_interval", time.Hour)
	v.SetDefault("snapshot.meta_cluster_size", 3)
	v.SetDefault("snapshot.max_key_points", 5)
	v.SetDefault("snapshot.generation_timeout", 30*time.Second)

	v.SetDefault("retrieval.min_score", 0.5)
	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.history_window", 10)
	v.SetDefault("retrieval.recency_decay", 0.1)
	v.SetDefault("retrieval.narrow", false)
	v.SetDefault("retrieval.snapshot_threshold", 0.3)
	v.SetDefault("retrieval.weights.semantic", 0.6)
	v.SetDefault("retrieval.weights.recency", 0.25)
	v.SetDefault("retrieval.weights.context", 0.15)

	v.SetDefault("maintenance.retention_days", 30)
	v.SetDefault("maintenance.interval", time.Hour)

	v.SetDefault("llm.provider", "none")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.requests_per_second", 2.0)
	v.SetDefault("llm.burst", 4)

	v.SetDefault("embedding.provider", "")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.url", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.dims", 0)
	v.SetDefault("embedding.cache_ttl", 10*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.addr", "127.0.0.1:8420")
}

// Load reads configuration. file may be empty; a missing explicit file is an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Storage.Path = expandHome(cfg.Storage.Path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the components cannot honour.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return invalid("storage.path", "must be set")
	}
	if c.Snapshot.TriggerCount <= 0 {
		return invalid("snapshot.trigger_count", "must be positive")
	}
	if c.Snapshot.MetaClusterSize <= 0 {
		return invalid("snapshot.meta_cluster_size", "must be positive")
	}
	if c.Snapshot.MaxKeyPoints <= 0 {
		return invalid("snapshot.max_key_points", "must be positive")
	}
	if c.Snapshot.TriggerInterval < 0 {
		return invalid("snapshot.trigger_interval", "must not be negative")
	}
	if c.Snapshot.GenerationTimeout <= 0 {
		return invalid("snapshot.generation_timeout", "must be positive")
	}

	r := c.Retrieval
	if r.MinScore < 0 || r.MinScore > 1 {
		return invalid("retrieval.min_score", "must be in [0,1]")
	}
	if r.SnapshotThreshold < 0 || r.SnapshotThreshold > 1 {
		return invalid("retrieval.snapshot_threshold", "must be in [0,1]")
	}
	if r.TopK < 0 || r.HistoryWindow < 0 || r.RecencyDecay < 0 {
		return invalid("retrieval", "top_k, history_window and recency_decay must not be negative")
	}
	w := r.Weights
	if w.Semantic < 0 || w.Recency < 0 || w.Context < 0 {
		return invalid("retrieval.weights", "must not be negative")
	}
	if sum := w.Semantic + w.Recency + w.Context; math.Abs(sum-1) > 1e-6 {
		return invalid("retrieval.weights", fmt.Sprintf("must sum to 1, got %.4f", sum))
	}

	if c.Maintenance.RetentionDays < 0 {
		return invalid("maintenance.retention_days", "must not be negative")
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "", "none", "openai", "anthropic":
	default:
		return invalid("llm.provider", fmt.Sprintf("unknown provider %q", c.LLM.Provider))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return invalid("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}
	return nil
}

func invalid(field, reason string) error {
	return &model.ValidationError{Field: field, Reason: reason}
}

// ManagerConfig maps the snapshot section onto the manager's policy.
func (c *Config) ManagerConfig() snapshot.Config {
	return snapshot.Config{
		TriggerCount:      c.Snapshot.TriggerCount,
		TriggerInterval:   c.Snapshot.TriggerInterval,
		MetaClusterSize:   c.Snapshot.MetaClusterSize,
		GenerationTimeout: c.Snapshot.GenerationTimeout,
	}
}

// RetrievalConfig maps the retrieval section onto the engine's tuning.
func (c *Config) RetrievalConfig() retrieval.Config {
	r := c.Retrieval
	return retrieval.Config{
		Weights:           r.Weights,
		MinScore:          r.MinScore,
		TopK:              r.TopK,
		HistoryWindow:     r.HistoryWindow,
		RecencyDecay:      r.RecencyDecay,
		Narrow:            r.Narrow,
		SnapshotThreshold: r.SnapshotThreshold,
	}
}

func (c *Config) LLMOptions() llm.Options {
	return llm.Options{
		Provider:          c.LLM.Provider,
		Model:             c.LLM.Model,
		APIKey:            c.LLM.APIKey,
		BaseURL:           c.LLM.BaseURL,
		MaxTokens:         c.LLM.MaxTokens,
		RequestsPerSecond: c.LLM.RequestsPerSecond,
		Burst:             c.LLM.Burst,
	}
}

func (c *Config) EmbeddingOptions() embedding.Options {
	return embedding.Options{
		Provider: c.Embedding.Provider,
		Model:    c.Embedding.Model,
		URL:      c.Embedding.URL,
		APIKey:   c.Embedding.APIKey,
		Dims:     c.Embedding.Dims,
		CacheTTL: c.Embedding.CacheTTL,
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
