// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"os"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/chat/archive"
	"github.com/AleutianAI/AleutianChat/services/chat/history"
	"github.com/AleutianAI/AleutianChat/services/chat/idempotency"
	"github.com/AleutianAI/AleutianChat/services/chat/kv"
	"github.com/AleutianAI/AleutianChat/services/chat/longterm"
	"github.com/AleutianAI/AleutianChat/services/chat/session"
	"github.com/AleutianAI/AleutianChat/services/chat/storage/badger"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

// Backend names accepted in Config.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBadger = "badger"
	BackendGCS    = "gcs"
	BackendMinIO  = "minio"

	GeneratorKeyword = "keyword"
	GeneratorOpenAI  = "openai"
	GeneratorOllama  = "ollama"

	EmbedderNone    = "none"
	EmbedderHashing = "hashing"

	RateLimitLocal = "local"
	RateLimitRedis = "redis"
	RateLimitOff   = "off"
)

// redacted replaces secrets in Config.Redacted.
const redacted = "<redacted>"

// Config is the complete configuration of the chat service.
//
// # Description
//
// Config is passed by value into New, which fills zero fields through
// applyConfigDefaults. Every field carries mapstructure tags for viper and
// yaml tags for "chatd config print".
type Config struct {
	// Port is the HTTP listen port. Default: 12310.
	Port int `mapstructure:"port" yaml:"port"`

	// InstanceID is recorded on every archive record. Default: hostname.
	InstanceID string `mapstructure:"instance_id" yaml:"instance_id"`

	// ShutdownTimeout bounds the graceful shutdown in Run. Default: 30s.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	Storage     StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Session     SessionConfig      `mapstructure:"session" yaml:"session"`
	Archive     ArchiveConfig      `mapstructure:"archive" yaml:"archive"`
	Idempotency idempotency.Config `mapstructure:"idempotency" yaml:"idempotency"`
	History     history.Config     `mapstructure:"history" yaml:"history"`
	LongTerm    LongTermConfig     `mapstructure:"long_term" yaml:"long_term"`
	LLM         LLMConfig          `mapstructure:"llm" yaml:"llm"`
	RateLimit   RateLimitConfig    `mapstructure:"rate_limit" yaml:"rate_limit"`
	Auth        AuthConfig         `mapstructure:"auth" yaml:"auth"`
	Logging     LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Tracing     TracingConfig      `mapstructure:"tracing" yaml:"tracing"`
}

// StorageConfig selects the kv backend behind sessions and idempotency keys.
//
// Redis and Badger are shared: the Redis pool also serves the rate limiter
// and the event sink, and one Badger database serves both kv and archive.
type StorageConfig struct {
	// Backend is "memory", "redis" or "badger". Default: "memory".
	Backend string `mapstructure:"backend" yaml:"backend"`

	// SweepInterval is the expiry pass period of the memory backend. Default: 1m.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	Redis  kv.RedisConfig `mapstructure:"redis" yaml:"redis"`
	Badger badger.Config  `mapstructure:"badger" yaml:"badger"`
}

// SessionConfig configures the session window.
type SessionConfig struct {
	session.Config `mapstructure:",squash" yaml:",inline"`

	// Timeout bounds each session read and append. Default: 3s.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ArchiveConfig selects the archive backend and tunes the writer.
type ArchiveConfig struct {
	archive.Config `mapstructure:",squash" yaml:",inline"`

	// Backend is "memory", "badger", "gcs" or "minio". Default: "memory".
	Backend string `mapstructure:"backend" yaml:"backend"`

	// JournalPath is the permanent-loss journal. Default: ./logs/archive_losses.jsonl.
	JournalPath string `mapstructure:"journal_path" yaml:"journal_path"`

	GCS   archive.GCSConfig   `mapstructure:"gcs" yaml:"gcs"`
	MinIO archive.MinIOConfig `mapstructure:"minio" yaml:"minio"`
}

// LongTermConfig enables long-term sinks. A sink is enabled when its
// address is set.
type LongTermConfig struct {
	// Timeout bounds each sink insert. Default: 5s.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// Sync awaits the sinks and folds failures into the degraded flag.
	Sync bool `mapstructure:"sync" yaml:"sync"`

	SQL         longterm.SQLConfig    `mapstructure:"sql" yaml:"sql"`
	WeaviateURL string                `mapstructure:"weaviate_url" yaml:"weaviate_url"`
	Neo4j       longterm.Neo4jConfig  `mapstructure:"neo4j" yaml:"neo4j"`
	Influx      longterm.InfluxConfig `mapstructure:"influx" yaml:"influx"`
	Events      EventsConfig          `mapstructure:"events" yaml:"events"`
}

// EventsConfig enables the Redis stream event sink. It uses the
// Storage.Redis connection.
type EventsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Topic   string `mapstructure:"topic" yaml:"topic"`
}

// LLMConfig selects the response generator and the embedder.
type LLMConfig struct {
	// Generator is "keyword", "openai" or "ollama". Default: "keyword".
	Generator string `mapstructure:"generator" yaml:"generator"`

	// Embedder is "none", "hashing", "openai" or "ollama". Default: "hashing".
	Embedder string `mapstructure:"embedder" yaml:"embedder"`

	// HashingDims is the hashing embedder width. 0 uses the embedder default.
	HashingDims int `mapstructure:"hashing_dims" yaml:"hashing_dims"`

	GenerationTimeout time.Duration `mapstructure:"generation_timeout" yaml:"generation_timeout"`
	EmbeddingTimeout  time.Duration `mapstructure:"embedding_timeout" yaml:"embedding_timeout"`
	FallbackText      string        `mapstructure:"fallback_text" yaml:"fallback_text"`
	SystemPrompt      string        `mapstructure:"system_prompt" yaml:"system_prompt"`

	OpenAI llm.OpenAIConfig `mapstructure:"openai" yaml:"openai"`
	Ollama llm.OllamaConfig `mapstructure:"ollama" yaml:"ollama"`
}

// RateLimitConfig configures per-client rate limiting on /v1.
type RateLimitConfig struct {
	// Backend is "local", "redis" or "off". Default: "local".
	Backend string `mapstructure:"backend" yaml:"backend"`

	// PerMinute is the sustained request rate per client. Default: 60.
	PerMinute int `mapstructure:"per_minute" yaml:"per_minute"`

	// Burst is the local limiter bucket size. Default: 10.
	Burst int `mapstructure:"burst" yaml:"burst"`
}

// AuthConfig configures the built-in authentication. With no keys every
// caller is the local admin.
type AuthConfig struct {
	APIKeys []extensions.APIKey `mapstructure:"api_keys" yaml:"api_keys"`
}

// LoggingConfig configures the process logger installed by cmd/chatd.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	Dir   string `mapstructure:"dir" yaml:"dir"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// TracingConfig configures OTLP export. An empty Endpoint disables tracing.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	return applyConfigDefaults(Config{})
}

// applyConfigDefaults fills in missing configuration values.
//
// # Inputs
//
//   - cfg: User-provided configuration
//
// # Outputs
//
//   - Config: Configuration with defaults applied
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = hostname()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendMemory
	}
	if cfg.Storage.SweepInterval <= 0 {
		cfg.Storage.SweepInterval = time.Minute
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = "localhost:6379"
	}
	if cfg.Storage.Badger.Path == "" && !cfg.Storage.Badger.InMemory {
		cfg.Storage.Badger.Path = "./data/badger"
	}
	if cfg.Storage.Badger.GCInterval == 0 {
		cfg.Storage.Badger.GCInterval = 10 * time.Minute
	}

	sd := session.DefaultConfig()
	if cfg.Session.MaxLen <= 0 {
		cfg.Session.MaxLen = sd.MaxLen
	}
	if cfg.Session.TTL <= 0 {
		cfg.Session.TTL = sd.TTL
	}
	if cfg.Session.MaxAppendAttempts <= 0 {
		cfg.Session.MaxAppendAttempts = sd.MaxAppendAttempts
	}
	if cfg.Session.RetryInitialInterval <= 0 {
		cfg.Session.RetryInitialInterval = sd.RetryInitialInterval
	}
	if cfg.Session.RetryMaxInterval <= 0 {
		cfg.Session.RetryMaxInterval = sd.RetryMaxInterval
	}
	if cfg.Session.KeyPrefix == "" {
		cfg.Session.KeyPrefix = sd.KeyPrefix
	}
	if cfg.Session.Timeout <= 0 {
		cfg.Session.Timeout = 3 * time.Second
	}

	ad := archive.DefaultConfig()
	if cfg.Archive.Backend == "" {
		cfg.Archive.Backend = BackendMemory
	}
	if cfg.Archive.Timeout <= 0 {
		cfg.Archive.Timeout = ad.Timeout
	}
	if cfg.Archive.MaxRetries <= 0 {
		cfg.Archive.MaxRetries = ad.MaxRetries
	}
	if cfg.Archive.InitialInterval <= 0 {
		cfg.Archive.InitialInterval = ad.InitialInterval
	}
	if cfg.Archive.MaxInterval <= 0 {
		cfg.Archive.MaxInterval = ad.MaxInterval
	}
	if cfg.Archive.QueueSize <= 0 {
		cfg.Archive.QueueSize = ad.QueueSize
	}
	if cfg.Archive.Workers <= 0 {
		cfg.Archive.Workers = ad.Workers
	}
	if cfg.Archive.JournalPath == "" {
		cfg.Archive.JournalPath = "./logs/archive_losses.jsonl"
	}

	id := idempotency.DefaultConfig()
	if cfg.Idempotency.PendingTTL <= 0 {
		cfg.Idempotency.PendingTTL = id.PendingTTL
	}
	if cfg.Idempotency.ResultTTL <= 0 {
		cfg.Idempotency.ResultTTL = id.ResultTTL
	}
	if cfg.Idempotency.Wait <= 0 {
		cfg.Idempotency.Wait = id.Wait
	}
	if cfg.Idempotency.Timeout <= 0 {
		cfg.Idempotency.Timeout = id.Timeout
	}
	if cfg.Idempotency.KeyPrefix == "" {
		cfg.Idempotency.KeyPrefix = id.KeyPrefix
	}

	hist := history.DefaultConfig()
	if cfg.History.MaxEntries <= 0 {
		cfg.History.MaxEntries = hist.MaxEntries
	}
	if cfg.History.TTL <= 0 {
		cfg.History.TTL = hist.TTL
	}
	if cfg.History.MaxAttempts <= 0 {
		cfg.History.MaxAttempts = hist.MaxAttempts
	}
	if cfg.History.KeyPrefix == "" {
		cfg.History.KeyPrefix = hist.KeyPrefix
	}

	if cfg.LongTerm.Timeout <= 0 {
		cfg.LongTerm.Timeout = 5 * time.Second
	}
	if cfg.LongTerm.Events.Topic == "" {
		cfg.LongTerm.Events.Topic = longterm.DefaultTurnsTopic
	}

	if cfg.LLM.Generator == "" {
		cfg.LLM.Generator = GeneratorKeyword
	}
	if cfg.LLM.Embedder == "" {
		cfg.LLM.Embedder = EmbedderHashing
	}
	if cfg.LLM.GenerationTimeout <= 0 {
		cfg.LLM.GenerationTimeout = 60 * time.Second
	}
	if cfg.LLM.EmbeddingTimeout <= 0 {
		cfg.LLM.EmbeddingTimeout = 10 * time.Second
	}

	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = RateLimitLocal
	}
	if cfg.RateLimit.PerMinute <= 0 {
		cfg.RateLimit.PerMinute = 60
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "chat-service"
	}
	return cfg
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "chatd"
	}
	return name
}

// Redacted returns a copy of cfg with every secret replaced, for display.
func (cfg Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&cfg.Storage.Redis.Password)
	mask(&cfg.Archive.MinIO.SecretKey)
	mask(&cfg.LongTerm.Neo4j.Password)
	mask(&cfg.LongTerm.Influx.Token)
	mask(&cfg.LongTerm.SQL.DSN)
	mask(&cfg.LLM.OpenAI.APIKey)

	if len(cfg.Auth.APIKeys) > 0 {
		keys := make([]extensions.APIKey, len(cfg.Auth.APIKeys))
		copy(keys, cfg.Auth.APIKeys)
		for i := range keys {
			mask(&keys[i].Key)
		}
		cfg.Auth.APIKeys = keys
	}
	return cfg
}
