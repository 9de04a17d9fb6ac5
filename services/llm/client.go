package llm

import "context"

// GenerationParams carries per-call sampling knobs. Nil pointers mean
// "use the provider default".
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`

	// System is the system context prepended to the prompt.
	System string `json:"system,omitempty"`
}

// TokenUsage is the provider-reported token accounting for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerationResult is the uniform result shape across providers.
type GenerationResult struct {
	Text    string     `json:"text"`
	Model   string     `json:"model"`
	Usage   TokenUsage `json:"usage"`
	CostUSD float64    `json:"cost_usd"`
}

// Generator defines the standard interface for any text-generation backend.
type Generator interface {
	// Name returns the provider id used for routing and breaker keys.
	Name() string

	Generate(ctx context.Context, prompt string, params GenerationParams) (GenerationResult, error)
}

// VisionAnalyzer extracts structured fields from an image.
type VisionAnalyzer interface {
	AnalyzeImage(ctx context.Context, image []byte, prompt string) (GenerationResult, error)
}

// Embedder produces a fixed-length embedding for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TaskType selects the provider preference list inside the gateway.
type TaskType string

const (
	TaskGeneration TaskType = "generation"
	TaskPlanning   TaskType = "planning"
	TaskRelevance  TaskType = "relevance"
	TaskFactCheck  TaskType = "fact_check"
	TaskVision     TaskType = "vision"
)
