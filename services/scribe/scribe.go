// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scribe wires the content-generation service: durable stores,
// provider gateway, research aggregator, workflow engine, and HTTP surface.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := scribe.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run())
package scribe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianScribe/services/llm"
	"github.com/AleutianAI/AleutianScribe/services/scribe/config"
	"github.com/AleutianAI/AleutianScribe/services/scribe/engine"
	"github.com/AleutianAI/AleutianScribe/services/scribe/events"
	"github.com/AleutianAI/AleutianScribe/services/scribe/observability"
	"github.com/AleutianAI/AleutianScribe/services/scribe/research"
	"github.com/AleutianAI/AleutianScribe/services/scribe/routes"
	"github.com/AleutianAI/AleutianScribe/services/scribe/store"

	"github.com/dgraph-io/badger/v4"
)

// Service is the assembled scribe application.
//
// # Thread Safety
//
// Safe after construction. Run blocks; Close releases resources.
type Service struct {
	cfg    config.Config
	router *gin.Engine

	db      *badger.DB
	engine  *engine.Engine
	purger  *store.Purger
	hub     *events.Hub
	gateway *llm.Gateway

	tracerCleanup func(context.Context)
}

// New builds the full dependency graph from configuration.
func New(cfg config.Config) (*Service, error) {
	s := &Service{cfg: cfg, hub: events.NewHub()}

	if cfg.Telemetry.Enabled {
		cleanup, err := initTracer(cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	db, err := store.Open(storeConfig(cfg.Storage))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.db = db

	jobs := store.NewJobStore(db)
	checkpoints := store.NewCheckpointStore(db, cfg.Storage.CheckpointTTL.Std())
	deadLetters := store.NewDeadLetterStore(db, cfg.Storage.DeadLetterWarn)
	queue := store.NewQueue(db, cfg.Storage.VisibilityTimeout.Std())
	s.purger = store.NewPurger(checkpoints, cfg.Storage.PurgeInterval.Std())

	s.gateway, err = buildGateway(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	aggregator, err := buildAggregator(cfg, s.gateway)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.engine, err = engine.New(engine.Config{
		Workers:          cfg.Engine.Workers,
		MaxStageRetries:  cfg.Engine.MaxStageRetries,
		RetryBaseDelay:   cfg.Engine.RetryBaseDelay.Std(),
		RetryMaxDelay:    cfg.Engine.RetryMaxDelay.Std(),
		SoftStageTimeout: cfg.Engine.SoftStageTimeout.Std(),
		HardStageTimeout: cfg.Engine.HardStageTimeout.Std(),
		QualityThreshold: cfg.Engine.QualityThreshold,
	}, engine.Dependencies{
		Jobs:        jobs,
		Checkpoints: checkpoints,
		DeadLetters: deadLetters,
		Queue:       queue,
		Generator:   s.gateway,
		Researcher:  aggregator,
		Events:      s.hub,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("build engine: %w", err)
	}

	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	routes.SetupRoutes(s.router, s.engine, jobs, deadLetters, s.gateway, s.hub)

	return s, nil
}

// Run starts background work and serves HTTP until the server stops.
func (s *Service) Run() error {
	defer s.Close()
	ctx := context.Background()

	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if err := s.purger.Start(ctx); err != nil {
		return fmt.Errorf("start checkpoint purger: %w", err)
	}

	slog.Info("scribe server starting", "addr", s.cfg.Server.ListenAddr)
	return s.router.Run(s.cfg.Server.ListenAddr)
}

// Router exposes the gin engine for integration tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Close stops background work and releases the store. Safe on a partially
// constructed service.
func (s *Service) Close() {
	if s.engine != nil {
		s.engine.Stop()
	}
	if s.purger != nil {
		s.purger.Stop()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("store close error", "error", err)
		}
		s.db = nil
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
		s.tracerCleanup = nil
	}
}

// =============================================================================
// Wiring Helpers
// =============================================================================

func storeConfig(cfg config.StorageConfig) store.Config {
	if cfg.InMemory {
		return store.InMemoryConfig()
	}
	sc := store.DefaultConfig(cfg.DataDir)
	sc.Logger = slog.Default()
	return sc
}

// buildGateway registers every configured provider and the task routes.
func buildGateway(cfg config.Config) (*llm.Gateway, error) {
	routeMap := make(map[llm.TaskType][]string, len(cfg.Providers.Routes))
	for task, providers := range cfg.Providers.Routes {
		routeMap[llm.TaskType(task)] = providers
	}

	gateway := llm.NewGateway(llm.GatewayConfig{
		Routes:     routeMap,
		EmbedRoute: cfg.Providers.EmbedRoute,
		Breaker: llm.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			FailureWindow:    cfg.Breaker.FailureWindow.Std(),
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout.Std(),
			HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
			OnStateChange: func(provider string, from, to llm.CircuitState) {
				slog.Warn("circuit breaker state change",
					"provider", provider, "from", from.String(), "to", to.String())
				observability.ObserveBreakerState(provider, to)
			},
		},
		Observer: observability.ObserveProviderCall,
	})

	registered := 0
	if cfg.Providers.Anthropic.APIKey != "" {
		client, err := llm.NewAnthropicClient("", cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.Model)
		if err != nil {
			return nil, fmt.Errorf("anthropic client: %w", err)
		}
		gateway.RegisterGenerator(client)
		registered++
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		client, err := llm.NewOpenAIClient("", cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.Model)
		if err != nil {
			return nil, fmt.Errorf("openai client: %w", err)
		}
		gateway.RegisterGenerator(client)
		registered++
	}
	if cfg.Providers.Ollama.URL != "" {
		client, err := llm.NewOllamaClient(cfg.Providers.Ollama.URL, cfg.Providers.Ollama.Model, cfg.Providers.Ollama.EmbedModel)
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
		gateway.RegisterGenerator(client)
		registered++
	}
	if registered == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	slog.Info("provider gateway ready", "providers", registered)
	return gateway, nil
}

// buildAggregator wires the internal index, external sources, dedup, and
// the relevance scorer.
func buildAggregator(cfg config.Config, gateway *llm.Gateway) (*research.Aggregator, error) {
	var internal research.InternalIndex
	if cfg.Research.WeaviateURL != "" {
		client, err := weaviateClient(cfg.Research.WeaviateURL)
		if err != nil {
			slog.Warn("weaviate unavailable, internal research disabled", "error", err)
		} else {
			internal = research.NewWeaviateIndex(client, gateway, cfg.Research.WeaviateClass)
		}
	}

	httpClient := &http.Client{Timeout: 20 * time.Second}
	var externals []research.ExternalSource
	if cfg.Research.EnableArxiv {
		externals = append(externals,
			research.NewCachedSource(research.NewArxivSource(httpClient), cfg.Research.CacheTTL.Std()))
	}
	if cfg.Research.EnableCrossref {
		externals = append(externals,
			research.NewCachedSource(research.NewCrossrefSource(httpClient, cfg.Research.CrossrefMailto), cfg.Research.CacheTTL.Std()))
	}
	if internal == nil && len(externals) == 0 {
		return nil, fmt.Errorf("no research collaborators configured")
	}

	dedup := research.NewDeduplicator(research.DedupConfig{
		Strategy:          research.DedupStrategy(cfg.Research.Dedup.Strategy),
		FuzzyThreshold:    cfg.Research.Dedup.FuzzyThreshold,
		SemanticThreshold: cfg.Research.Dedup.SemanticThreshold,
	}, gateway)

	return research.New(internal, externals, dedup, research.NewLLMScorer(gateway), research.Config{
		MaxPerQuery:           cfg.Research.MaxPerQuery,
		MinRelevance:          cfg.Research.MinRelevance,
		EnableRelevanceFilter: cfg.Research.EnableRelevanceFilter,
		QueryTimeout:          cfg.Research.QueryTimeout.Std(),
		MaxConcurrency:        cfg.Research.MaxConcurrency,
		Weights: research.RankingWeights{
			Vector:  cfg.Research.RankingWeights.Vector,
			Text:    cfg.Research.RankingWeights.Text,
			Recency: cfg.Research.RankingWeights.Recency,
		},
	}), nil
}

func weaviateClient(rawURL string) (*weaviate.Client, error) {
	trimmed := strings.Trim(rawURL, "\"' ")
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate URL: %s", rawURL)
	}
	return weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
}

// initTracer sets up the OTLP trace exporter over gRPC.
func initTracer(cfg config.TelemetryConfig) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(cfg.OTLPEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}
