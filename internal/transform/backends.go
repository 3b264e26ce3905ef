package transform

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/wisdom-cli/internal/cost"
	"github.com/sells-group/wisdom-cli/internal/model"
	"github.com/sells-group/wisdom-cli/pkg/anthropic"
	"github.com/sells-group/wisdom-cli/pkg/openai"
)

// Transformer extracts one insight from a filtered item. Implementations
// return resilience-classified errors for transport failures and a
// RejectedError when the content yields no acceptable insight.
type Transformer interface {
	Transform(ctx context.Context, item model.FilteredItem) (*model.WisdomInsight, error)
	// Model names the model recorded alongside each insight.
	Model() string
}

// OpenAI transforms items through an OpenAI-compatible chat endpoint.
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
	ledger      *cost.Ledger
}

// NewOpenAI creates an OpenAI-backed Transformer.
func NewOpenAI(client openai.Client, model string, temperature float64) *OpenAI {
	return &OpenAI{client: client, model: model, temperature: temperature}
}

// WithLedger records the token usage of every call in l.
func (t *OpenAI) WithLedger(l *cost.Ledger) *OpenAI {
	t.ledger = l
	return t
}

// Model implements Transformer.
func (t *OpenAI) Model() string { return t.model }

// Transform implements Transformer.
func (t *OpenAI) Transform(ctx context.Context, item model.FilteredItem) (*model.WisdomInsight, error) {
	temp := t.temperature
	resp, err := t.client.ChatCompletion(ctx, openai.ChatRequest{
		Model: t.model,
		Messages: []openai.ChatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: BuildPrompt(item)},
		},
		Temperature: &temp,
	})
	if err != nil {
		return nil, err
	}
	usd := t.ledger.Add("openai", t.model, cost.Usage{
		Input:  resp.Usage.PromptTokens,
		Output: resp.Usage.CompletionTokens,
	})
	zap.L().Debug("transform: openai usage",
		zap.String("model", t.model),
		zap.String("item_id", item.Key()),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Float64("cost_usd", usd),
	)
	return ParseInsight(resp.Content(), item)
}

// Anthropic transforms items through the Messages API. The instruction
// block is marked cacheable since it is identical for every item.
type Anthropic struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int64
	ledger      *cost.Ledger
}

// NewAnthropic creates an Anthropic-backed Transformer.
func NewAnthropic(client anthropic.Client, model string, temperature float64) *Anthropic {
	return &Anthropic{client: client, model: model, temperature: temperature, maxTokens: 1024}
}

// WithLedger records the token usage of every call in l.
func (t *Anthropic) WithLedger(l *cost.Ledger) *Anthropic {
	t.ledger = l
	return t
}

// Model implements Transformer.
func (t *Anthropic) Model() string { return t.model }

// Transform implements Transformer.
func (t *Anthropic) Transform(ctx context.Context, item model.FilteredItem) (*model.WisdomInsight, error) {
	temp := t.temperature
	resp, err := t.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     t.model,
		MaxTokens: t.maxTokens,
		System: []anthropic.SystemBlock{
			{Text: SystemPrompt, CacheControl: &anthropic.CacheControl{TTL: "5m"}},
		},
		Messages:    []anthropic.Message{{Role: "user", Content: BuildPrompt(item)}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, err
	}
	resp.Usage.LogUsage(t.model, item.Key())
	t.ledger.Add("anthropic", t.model, cost.Usage{
		Input:      int(resp.Usage.InputTokens),
		Output:     int(resp.Usage.OutputTokens),
		CacheWrite: int(resp.Usage.CacheCreationInputTokens),
		CacheRead:  int(resp.Usage.CacheReadInputTokens),
	})
	return ParseInsight(resp.Text(), item)
}
