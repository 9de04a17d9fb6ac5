// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the service configuration from YAML with
// environment overrides for secrets and deployment-specific endpoints.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	configPathEnv      = "SCRIBE_CONFIG"
	anthropicAPIKeyEnv = "ANTHROPIC_API_KEY"
	openaiAPIKeyEnv    = "OPENAI_API_KEY"
	ollamaURLEnv       = "OLLAMA_URL"
	weaviateURLEnv     = "WEAVIATE_URL"
	listenAddrEnv      = "SCRIBE_LISTEN_ADDR"
	dataDirEnv         = "SCRIBE_DATA_DIR"
	otlpEndpointEnv    = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Duration is a yaml-parseable time.Duration ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML parses the duration string form.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds every tunable for the scribe service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Engine    EngineConfig    `yaml:"engine"`
	Providers ProvidersConfig `yaml:"providers"`
	Research  ResearchConfig  `yaml:"research"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig describes the HTTP surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr" validate:"required"`
}

// StorageConfig describes the durable stores.
type StorageConfig struct {
	DataDir           string   `yaml:"dataDir" validate:"required"`
	InMemory          bool     `yaml:"inMemory"`
	CheckpointTTL     Duration `yaml:"checkpointTtl"`
	PurgeInterval     Duration `yaml:"purgeInterval"`
	VisibilityTimeout Duration `yaml:"visibilityTimeout"`
	DeadLetterWarn    int      `yaml:"deadLetterWarn"`
}

// EngineConfig tunes the workflow engine.
type EngineConfig struct {
	Workers          int      `yaml:"workers" validate:"gte=0,lte=64"`
	MaxStageRetries  int      `yaml:"maxStageRetries" validate:"gte=0,lte=10"`
	RetryBaseDelay   Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay    Duration `yaml:"retryMaxDelay"`
	SoftStageTimeout Duration `yaml:"softStageTimeout"`
	HardStageTimeout Duration `yaml:"hardStageTimeout"`
	QualityThreshold float64  `yaml:"qualityThreshold" validate:"gte=0,lte=1"`
}

// ProvidersConfig wires the LLM providers and task routing.
type ProvidersConfig struct {
	Anthropic AnthropicConfig     `yaml:"anthropic"`
	OpenAI    OpenAIConfig        `yaml:"openai"`
	Ollama    OllamaConfig        `yaml:"ollama"`
	Routes    map[string][]string `yaml:"routes"`

	// EmbedRoute is the provider preference order for embeddings.
	EmbedRoute []string `yaml:"embedRoute"`
}

// AnthropicConfig contacts the Anthropic Messages API.
type AnthropicConfig struct {
	APIKey string `yaml:"apiKey"`
	Model  string `yaml:"model"`
}

// OpenAIConfig contacts the OpenAI API.
type OpenAIConfig struct {
	APIKey string `yaml:"apiKey"`
	Model  string `yaml:"model"`
}

// OllamaConfig contacts a local Ollama daemon.
type OllamaConfig struct {
	URL        string `yaml:"url"`
	Model      string `yaml:"model"`
	EmbedModel string `yaml:"embedModel"`
}

// ResearchConfig tunes the research aggregator and its collaborators.
type ResearchConfig struct {
	WeaviateURL    string   `yaml:"weaviateUrl"`
	WeaviateClass  string   `yaml:"weaviateClass"`
	EnableArxiv    bool     `yaml:"enableArxiv"`
	EnableCrossref bool     `yaml:"enableCrossref"`
	CrossrefMailto string   `yaml:"crossrefMailto"`
	CacheTTL       Duration `yaml:"cacheTtl"`

	MaxPerQuery           int      `yaml:"maxPerQuery" validate:"gte=0,lte=200"`
	MinRelevance          float64  `yaml:"minRelevance" validate:"gte=0,lte=1"`
	EnableRelevanceFilter bool     `yaml:"enableRelevanceFilter"`
	QueryTimeout          Duration `yaml:"queryTimeout"`
	MaxConcurrency        int      `yaml:"maxConcurrency" validate:"gte=0,lte=64"`

	RankingWeights RankingWeightsConfig `yaml:"rankingWeights"`
	Dedup          DedupConfig          `yaml:"dedup"`
}

// RankingWeightsConfig is the hybrid ranking weight set.
type RankingWeightsConfig struct {
	Vector  float64 `yaml:"vector" validate:"gte=0,lte=1"`
	Text    float64 `yaml:"text" validate:"gte=0,lte=1"`
	Recency float64 `yaml:"recency" validate:"gte=0,lte=1"`
}

// DedupConfig selects the dedup strategy.
type DedupConfig struct {
	Strategy          string  `yaml:"strategy" validate:"omitempty,oneof=exact fuzzy semantic"`
	FuzzyThreshold    float64 `yaml:"fuzzyThreshold" validate:"gte=0,lte=1"`
	SemanticThreshold float64 `yaml:"semanticThreshold" validate:"gte=0,lte=1"`
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failureThreshold" validate:"gte=0,lte=100"`
	FailureWindow    Duration `yaml:"failureWindow"`
	RecoveryTimeout  Duration `yaml:"recoveryTimeout"`
	HalfOpenMaxCalls int      `yaml:"halfOpenMaxCalls" validate:"gte=0,lte=10"`
}

// TelemetryConfig wires the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Load reads YAML configuration (if SCRIBE_CONFIG points at a file),
// applies environment overrides, validates, and returns the result.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(anthropicAPIKeyEnv); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv(openaiAPIKeyEnv); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv(ollamaURLEnv); v != "" {
		c.Providers.Ollama.URL = v
	}
	if v := os.Getenv(weaviateURLEnv); v != "" {
		c.Research.WeaviateURL = v
	}
	if v := os.Getenv(listenAddrEnv); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv(dataDirEnv); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv(otlpEndpointEnv); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
}

// Default returns a runnable local configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{ListenAddr: ":8090"},
		Storage: StorageConfig{
			DataDir:           "./data/scribe",
			CheckpointTTL:     Duration(7 * 24 * time.Hour),
			PurgeInterval:     Duration(time.Hour),
			VisibilityTimeout: Duration(10 * time.Minute),
			DeadLetterWarn:    5,
		},
		Engine: EngineConfig{
			Workers:          4,
			MaxStageRetries:  3,
			RetryBaseDelay:   Duration(2 * time.Second),
			RetryMaxDelay:    Duration(time.Minute),
			SoftStageTimeout: Duration(time.Minute),
			HardStageTimeout: Duration(5 * time.Minute),
			QualityThreshold: 0.7,
		},
		Providers: ProvidersConfig{
			Anthropic: AnthropicConfig{Model: "claude-sonnet-4-20250514"},
			OpenAI:    OpenAIConfig{Model: "gpt-4o"},
			Ollama: OllamaConfig{
				URL:        "http://localhost:11434",
				Model:      "llama3.1:8b",
				EmbedModel: "nomic-embed-text",
			},
			Routes: map[string][]string{
				"generation": {"anthropic", "openai", "ollama"},
				"planning":   {"anthropic", "openai", "ollama"},
				"relevance":  {"ollama", "openai", "anthropic"},
				"fact_check": {"anthropic", "openai"},
				"vision":     {"anthropic", "openai"},
			},
			EmbedRoute: []string{"ollama", "openai"},
		},
		Research: ResearchConfig{
			WeaviateURL:    "http://localhost:8080",
			WeaviateClass:  "LibraryDocument",
			EnableArxiv:    true,
			EnableCrossref: true,
			CacheTTL:       Duration(24 * time.Hour),
			MaxPerQuery:    10,
			MinRelevance:   0.75,
			QueryTimeout:   Duration(30 * time.Second),
			MaxConcurrency: 8,
			RankingWeights: RankingWeightsConfig{Vector: 0.5, Text: 0.3, Recency: 0.2},
			Dedup: DedupConfig{
				Strategy:          "fuzzy",
				FuzzyThreshold:    0.85,
				SemanticThreshold: 0.85,
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureWindow:    Duration(time.Minute),
			RecoveryTimeout:  Duration(30 * time.Second),
			HalfOpenMaxCalls: 2,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "aleutian-scribe",
		},
	}
}
