package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var openaiTracer = otel.Tracer("aleutian.llm.openai")

// Cost per million tokens. Approximate; used for accounting fields only.
const (
	openaiInputCostPerMTok  = 2.5
	openaiOutputCostPerMTok = 10.0
)

// OpenAIClient wraps the official-compatible OpenAI SDK. Implements
// Generator, VisionAnalyzer, and Embedder.
type OpenAIClient struct {
	client     *openai.Client
	model      string
	embedModel openai.EmbeddingModel
}

// NewOpenAIClient builds a client. An empty baseURL targets api.openai.com;
// a custom one supports any OpenAI-compatible endpoint.
func NewOpenAIClient(baseURL, apiKey, model string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key not set")
	}
	if model == "" {
		model = openai.GPT4o
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		embedModel: openai.SmallEmbedding3,
	}, nil
}

func (c *OpenAIClient) Name() string { return "openai" }

// Generate implements the Generator interface.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (GenerationResult, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", c.model))

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if params.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: params.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})

	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		Stop:     params.Stop,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return GenerationResult{}, fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return GenerationResult{}, fmt.Errorf("openai returned no choices")
	}
	return c.result(resp.Choices[0].Message.Content, resp.Model, resp.Usage), nil
}

// AnalyzeImage implements the VisionAnalyzer interface using a data-URL
// image part.
func (c *OpenAIClient) AnalyzeImage(ctx context.Context, image []byte, prompt string) (GenerationResult, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.AnalyzeImage")
	defer span.End()

	dataURL := fmt.Sprintf("data:%s;base64,%s",
		http.DetectContentType(image), base64.StdEncoding.EncodeToString(image))

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL}},
			},
		}},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return GenerationResult{}, fmt.Errorf("openai vision call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return GenerationResult{}, fmt.Errorf("openai returned no choices")
	}
	return c.result(resp.Choices[0].Message.Content, resp.Model, resp.Usage), nil
}

// Embed implements the Embedder interface.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: c.embedModel,
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embedding failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai returned no embeddings")
	}
	return resp.Data[0].Embedding, nil
}

func (c *OpenAIClient) result(text, model string, usage openai.Usage) GenerationResult {
	cost := float64(usage.PromptTokens)/1e6*openaiInputCostPerMTok +
		float64(usage.CompletionTokens)/1e6*openaiOutputCostPerMTok
	return GenerationResult{
		Text:  text,
		Model: model,
		Usage: TokenUsage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
		},
		CostUSD: cost,
	}
}
