// Package config loads the service configuration from defaults, an optional
// yaml file, and PKMD_-prefixed environment variables, in that precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultLLMProvider    = "openai"
	DefaultLLMModel       = "gpt-4o-mini"
	DefaultLLMBaseURL     = "https://api.openai.com/v1"
	DefaultEmbeddingModel = "text-embedding-3-small"

	DefaultMinConfidence  = 0.7
	DefaultBatchSize      = 3
	DefaultBatchTimeoutMS = 1000
	DefaultQueueCapacity  = 256

	DefaultLLMTimeout = 30 * time.Second
)

// ServerConfig controls the intake HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"` // 0 = OS-assigned
}

// StorageConfig locates the persistent stores.
type StorageConfig struct {
	DataDir       string `mapstructure:"data_dir"`
	MarkdownIndex string `mapstructure:"markdown_index"` // defaults under DataDir
	RulesFile     string `mapstructure:"rules_file"`     // optional rules.yaml seed
}

// RelationalPath returns the sqlite database file path.
func (s StorageConfig) RelationalPath() string {
	return filepath.Join(s.DataDir, "pkmd.db")
}

// VectorPath returns the vector store directory.
func (s StorageConfig) VectorPath() string {
	return filepath.Join(s.DataDir, "vectors")
}

// MarkdownIndexPath returns the markdown index file path.
func (s StorageConfig) MarkdownIndexPath() string {
	if s.MarkdownIndex != "" {
		return s.MarkdownIndex
	}
	return filepath.Join(s.DataDir, "knowledge.md")
}

// LLMConfig enumerates the abstract provider configuration.
type LLMConfig struct {
	Provider       string        `mapstructure:"provider"`
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	Model          string        `mapstructure:"model"`
	EmbeddingModel string        `mapstructure:"embedding_model"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// FilterConfig is the classification policy.
type FilterConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	AllowedTypes  []string `mapstructure:"allowed_types"`
	MinConfidence float64  `mapstructure:"min_confidence"`
	LogDecisions  bool     `mapstructure:"log_decisions"`
}

// QueueConfig tunes the serialized analysis queue.
type QueueConfig struct {
	BatchSize      int `mapstructure:"batch_size"`
	BatchTimeoutMS int `mapstructure:"batch_timeout_ms"`
	Capacity       int `mapstructure:"capacity"`
}

// BatchTimeout returns the batch window as a duration.
func (q QueueConfig) BatchTimeout() time.Duration {
	return time.Duration(q.BatchTimeoutMS) * time.Millisecond
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the root service configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Filter  FilterConfig  `mapstructure:"filter"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Log     LogConfig     `mapstructure:"log"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 0)
	v.SetDefault("storage.data_dir", defaultDataDir())
	v.SetDefault("llm.provider", DefaultLLMProvider)
	v.SetDefault("llm.base_url", DefaultLLMBaseURL)
	v.SetDefault("llm.model", DefaultLLMModel)
	v.SetDefault("llm.embedding_model", DefaultEmbeddingModel)
	v.SetDefault("llm.timeout", DefaultLLMTimeout)
	v.SetDefault("filter.enabled", true)
	v.SetDefault("filter.allowed_types", []string{"knowledge"})
	v.SetDefault("filter.min_confidence", DefaultMinConfidence)
	v.SetDefault("filter.log_decisions", true)
	v.SetDefault("queue.batch_size", DefaultBatchSize)
	v.SetDefault("queue.batch_timeout_ms", DefaultBatchTimeoutMS)
	v.SetDefault("queue.capacity", DefaultQueueCapacity)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetEnvPrefix("PKMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Queue.BatchSize <= 0 {
		cfg.Queue.BatchSize = DefaultBatchSize
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = DefaultQueueCapacity
	}
	if cfg.LLM.Timeout <= 0 {
		cfg.LLM.Timeout = DefaultLLMTimeout
	}
	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pkm-assistant"
	}
	return filepath.Join(home, ".pkm-assistant")
}
