package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/szaher/agentdeck/internal/agent"
	"github.com/szaher/agentdeck/internal/chat"
	"github.com/szaher/agentdeck/internal/telemetry"
)

// Completer adapts a Client into the chat completion collaborator: it
// renders the agent configuration into a system prompt, converts the
// conversation history, and records completion telemetry.
type Completer struct {
	client      Client
	model       string
	maxTokens   int
	temperature *float64
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

// CompleterOption configures a Completer.
type CompleterOption func(*Completer)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) CompleterOption {
	return func(c *Completer) { c.temperature = &t }
}

// WithMaxTokens sets the reply token budget.
func WithMaxTokens(n int) CompleterOption {
	return func(c *Completer) { c.maxTokens = n }
}

// WithLogger sets the completer logger.
func WithLogger(logger *slog.Logger) CompleterOption {
	return func(c *Completer) { c.logger = logger }
}

// WithMetrics enables completion metrics.
func WithMetrics(m *telemetry.Metrics) CompleterOption {
	return func(c *Completer) { c.metrics = m }
}

// NewCompleter creates a completion collaborator over the given client.
func NewCompleter(client Client, model string, opts ...CompleterOption) *Completer {
	c := &Completer{
		client:    client,
		model:     model,
		maxTokens: 4096,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete generates an assistant reply for the agent and history.
func (c *Completer) Complete(ctx context.Context, ag *agent.Agent, history []chat.Message) (string, error) {
	req := ChatRequest{
		Model:       c.model,
		System:      ag.SystemPrompt(),
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages:    make([]Message, 0, len(history)),
	}
	for _, m := range history {
		req.Messages = append(req.Messages, Message{Role: Role(m.Role), Content: m.Content})
	}

	start := time.Now()
	resp, err := c.client.Chat(ctx, req)
	duration := time.Since(start)

	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordCompletion(ag.ID, "error", duration, 0, 0)
		}
		return "", err
	}

	if c.metrics != nil {
		c.metrics.RecordCompletion(ag.ID, "ok", duration, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	c.logger.Debug("completion finished",
		"agent_id", ag.ID,
		"duration_ms", duration.Milliseconds(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)
	return resp.Content, nil
}
