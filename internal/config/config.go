// Package config loads the single configuration document that governs an
// agent-memory daemon instance (spec §6: "Paths and the bind address are
// configurable via a single configuration document; environment variables
// override file values; CLI flags override environment.").
//
// The layering mirrors the teacher's internal/aider.Config: a DefaultConfig
// constructor, a YAML loader, and a config struct that is also serializable
// for status reporting.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	DataDir string       `yaml:"data_dir"`
	Bind    BindConfig   `yaml:"bind"`
	TOC     TOCConfig    `yaml:"toc"`
	BM25    BM25Config   `yaml:"bm25"`
	Vector  VectorConfig `yaml:"vector"`
	Topics  TopicsConfig `yaml:"topics"`
	Router  RouterConfig `yaml:"router"`
}

type BindConfig struct {
	StatusAddr string `yaml:"status_addr"`
	NATSPort   int    `yaml:"nats_port"`
}

type TOCConfig struct {
	TimeThresholdMinutes int `yaml:"time_threshold_minutes"`
	TokenThreshold       int `yaml:"token_threshold"`
	OverlapMinutes       int `yaml:"overlap_minutes"`
	OverlapTokens        int `yaml:"overlap_tokens"`
}

func (c TOCConfig) TimeThreshold() time.Duration {
	return time.Duration(c.TimeThresholdMinutes) * time.Minute
}

func (c TOCConfig) Overlap() time.Duration {
	return time.Duration(c.OverlapMinutes) * time.Minute
}

type BM25Config struct {
	Enabled         bool `yaml:"enabled"`
	RetentionEnabled bool `yaml:"retention_enabled"`
	CommitIntervalSeconds int `yaml:"commit_interval_seconds"`
}

type VectorConfig struct {
	Enabled            bool   `yaml:"enabled"`
	ModelID            string `yaml:"model_id"`
	Dimensions         int    `yaml:"dimensions"`
	ConsumeIntervalSeconds int `yaml:"consume_interval_seconds"`
}

type TopicsConfig struct {
	Enabled         bool    `yaml:"enabled"`
	MinClusterSize  int     `yaml:"min_cluster_size"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MinImportance   float64 `yaml:"min_importance"`
	PruningAgeDays  int     `yaml:"pruning_age_days"`
}

type RouterConfig struct {
	MinConfidence float64 `yaml:"min_confidence"`
	LayerTimeoutMillis int `yaml:"layer_timeout_millis"`
}

// DefaultConfig mirrors the teacher's DefaultConfig/DefaultAiderConfig
// pattern: every field has a sane local-first default so the daemon can run
// with zero configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",
		Bind: BindConfig{
			StatusAddr: "127.0.0.1:7077",
			NATSPort:   0, // not read by bus.NewEmbedded, which always picks a free port
		},
		TOC: TOCConfig{
			TimeThresholdMinutes: 30,
			TokenThreshold:       4000,
			OverlapMinutes:       5,
			OverlapTokens:        500,
		},
		BM25: BM25Config{
			Enabled:               true,
			RetentionEnabled:      false,
			CommitIntervalSeconds: 60,
		},
		Vector: VectorConfig{
			Enabled:                true,
			ModelID:                "local-stub-v1",
			Dimensions:             256,
			ConsumeIntervalSeconds: 300,
		},
		Topics: TopicsConfig{
			Enabled:             true,
			MinClusterSize:      3,
			SimilarityThreshold: 0.75,
			MinImportance:       0.05,
			PruningAgeDays:      30,
		},
		Router: RouterConfig{
			MinConfidence:      0.2,
			LayerTimeoutMillis: 1500,
		},
	}
}

// Load reads path if it exists, falling back to DefaultConfig, then applies
// environment overrides. CLI flag overrides are applied by the caller
// (cmd/agentmemoryd) after Load returns, matching the precedence in spec §6.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTMEMORY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGENTMEMORY_STATUS_ADDR"); v != "" {
		cfg.Bind.StatusAddr = v
	}
	if v := os.Getenv("AGENTMEMORY_NATS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bind.NATSPort = n
		}
	}
	if v := os.Getenv("AGENTMEMORY_BM25_ENABLED"); v != "" {
		cfg.BM25.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("AGENTMEMORY_VECTOR_ENABLED"); v != "" {
		cfg.Vector.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("AGENTMEMORY_TOPICS_ENABLED"); v != "" {
		cfg.Topics.Enabled = v == "1" || v == "true"
	}
}
