package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var gatewayTracer = otel.Tracer("aleutian.llm.gateway")

// ErrNoProviderAvailable is returned when every provider in a task's
// preference list has been tried (or skipped due to an open breaker).
var ErrNoProviderAvailable = errors.New("no provider available for task")

// CallRecord is the accounting view of one provider invocation. It feeds
// observability only; control flow never depends on it.
type CallRecord struct {
	Provider string
	Task     TaskType
	Latency  time.Duration
	Usage    TokenUsage
	CostUSD  float64
	Err      error
}

// CallObserver receives a CallRecord after every provider invocation,
// including fast-fails from open breakers.
type CallObserver func(CallRecord)

// Gateway presents one call surface over N interchangeable providers with
// automatic failover and per-provider circuit breaking.
//
// # Description
//
// Generate walks the static task→provider preference list, skipping
// providers whose breaker is open, and returns the first success. Provider
// failures are recorded against the provider's breaker; only when the whole
// list is exhausted does a terminal error surface to the caller (the
// workflow engine applies its own stage-level retries on top).
//
// # Thread Safety
//
// Safe for concurrent use after construction. Registration is expected to
// happen during wiring, before traffic.
type Gateway struct {
	mu         sync.RWMutex
	generators map[string]Generator
	analyzers  map[string]VisionAnalyzer
	embedders  map[string]Embedder
	routes     map[TaskType][]string
	embedRoute []string

	breakers *BreakerRegistry
	observer CallObserver
	logger   *slog.Logger
}

// GatewayConfig wires routing and breaker behavior.
type GatewayConfig struct {
	// Routes maps a task type to provider ids in preference order.
	Routes map[TaskType][]string

	// EmbedRoute is the preference order for embedding calls.
	EmbedRoute []string

	Breaker  BreakerConfig
	Observer CallObserver
	Logger   *slog.Logger
}

// NewGateway creates an empty gateway; providers are added via the
// Register* methods.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	routes := make(map[TaskType][]string, len(cfg.Routes))
	for task, providers := range cfg.Routes {
		routes[task] = append([]string(nil), providers...)
	}
	return &Gateway{
		generators: make(map[string]Generator),
		analyzers:  make(map[string]VisionAnalyzer),
		embedders:  make(map[string]Embedder),
		routes:     routes,
		embedRoute: append([]string(nil), cfg.EmbedRoute...),
		breakers:   NewBreakerRegistry(cfg.Breaker),
		observer:   cfg.Observer,
		logger:     logger,
	}
}

// RegisterGenerator adds a text provider under its id.
func (g *Gateway) RegisterGenerator(gen Generator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generators[gen.Name()] = gen
	if va, ok := gen.(VisionAnalyzer); ok {
		g.analyzers[gen.Name()] = va
	}
	if em, ok := gen.(Embedder); ok {
		g.embedders[gen.Name()] = em
	}
}

// SelectProviders returns the preference-ordered provider ids for a task,
// with providers behind an open breaker filtered out.
func (g *Gateway) SelectProviders(task TaskType) []string {
	g.mu.RLock()
	route := g.routes[task]
	g.mu.RUnlock()

	out := make([]string, 0, len(route))
	for _, id := range route {
		if g.breakers.Get(id).State() != CircuitOpen {
			out = append(out, id)
		}
	}
	return out
}

// Generate calls the first healthy provider for the task, failing over down
// the preference list. The terminal error wraps the last provider error and
// ErrNoProviderAvailable.
func (g *Gateway) Generate(ctx context.Context, task TaskType, prompt string, params GenerationParams) (GenerationResult, error) {
	ctx, span := gatewayTracer.Start(ctx, "Gateway.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.task", string(task)))

	g.mu.RLock()
	route := g.routes[task]
	g.mu.RUnlock()
	if len(route) == 0 {
		return GenerationResult{}, fmt.Errorf("task %q has no route: %w", task, ErrNoProviderAvailable)
	}

	var lastErr error
	for _, id := range route {
		g.mu.RLock()
		gen, ok := g.generators[id]
		g.mu.RUnlock()
		if !ok {
			g.logger.Warn("route references unregistered provider", "provider", id, "task", task)
			continue
		}

		result, err := g.call(ctx, task, id, func(ctx context.Context) (GenerationResult, error) {
			return gen.Generate(ctx, prompt, params)
		})
		if err == nil {
			span.SetAttributes(attribute.String("llm.provider", id))
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			g.logger.Debug("provider skipped, breaker open", "provider", id, "task", task)
			continue
		}
		g.logger.Warn("provider failed, trying next", "provider", id, "task", task, "error", err)
	}

	err := fmt.Errorf("task %q exhausted %d provider(s): %w (last: %w)",
		task, len(route), ErrNoProviderAvailable, lastErr)
	span.SetStatus(codes.Error, err.Error())
	return GenerationResult{}, err
}

// AnalyzeImage is Generate's equivalent for vision tasks.
func (g *Gateway) AnalyzeImage(ctx context.Context, image []byte, prompt string) (GenerationResult, error) {
	ctx, span := gatewayTracer.Start(ctx, "Gateway.AnalyzeImage")
	defer span.End()

	g.mu.RLock()
	route := g.routes[TaskVision]
	g.mu.RUnlock()

	var lastErr error
	for _, id := range route {
		g.mu.RLock()
		va, ok := g.analyzers[id]
		g.mu.RUnlock()
		if !ok {
			continue
		}
		result, err := g.call(ctx, TaskVision, id, func(ctx context.Context) (GenerationResult, error) {
			return va.AnalyzeImage(ctx, image, prompt)
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return GenerationResult{}, fmt.Errorf("vision task exhausted providers: %w (last: %w)",
		ErrNoProviderAvailable, lastErr)
}

// Embed routes an embedding call through the embed preference list.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	g.mu.RLock()
	route := g.embedRoute
	g.mu.RUnlock()

	var lastErr error
	for _, id := range route {
		g.mu.RLock()
		em, ok := g.embedders[id]
		g.mu.RUnlock()
		if !ok {
			continue
		}

		cb := g.breakers.Get(id)
		if err := cb.Allow(); err != nil {
			lastErr = err
			continue
		}
		vec, err := em.Embed(ctx, text)
		if err != nil {
			cb.RecordFailure()
			lastErr = err
			continue
		}
		cb.RecordSuccess()
		return vec, nil
	}
	return nil, fmt.Errorf("embedding exhausted providers: %w (last: %w)",
		ErrNoProviderAvailable, lastErr)
}

// BreakerSnapshots exposes breaker state for the health endpoint.
func (g *Gateway) BreakerSnapshots() map[string]BreakerSnapshot {
	return g.breakers.Snapshots()
}

// Breakers returns the underlying registry (operator reset paths).
func (g *Gateway) Breakers() *BreakerRegistry {
	return g.breakers
}

// call wraps one provider invocation with breaker bookkeeping and the
// accounting log every call must produce.
func (g *Gateway) call(ctx context.Context, task TaskType, provider string, fn func(context.Context) (GenerationResult, error)) (GenerationResult, error) {
	cb := g.breakers.Get(provider)
	if err := cb.Allow(); err != nil {
		g.observe(CallRecord{Provider: provider, Task: task, Err: err})
		return GenerationResult{}, err
	}

	start := time.Now()
	result, err := fn(ctx)
	latency := time.Since(start)

	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}

	g.observe(CallRecord{
		Provider: provider,
		Task:     task,
		Latency:  latency,
		Usage:    result.Usage,
		CostUSD:  result.CostUSD,
		Err:      err,
	})
	g.logger.Info("provider call",
		"provider", provider,
		"task", task,
		"latency_ms", latency.Milliseconds(),
		"prompt_tokens", result.Usage.PromptTokens,
		"completion_tokens", result.Usage.CompletionTokens,
		"cost_usd", result.CostUSD,
		"outcome", outcome(err),
	)
	return result, err
}

func (g *Gateway) observe(rec CallRecord) {
	if g.observer != nil {
		g.observer(rec)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCircuitOpen):
		return "rejected_open"
	default:
		return "error"
	}
}
