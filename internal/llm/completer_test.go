package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/szaher/agentdeck/internal/agent"
	"github.com/szaher/agentdeck/internal/chat"
)

func completerAgent() *agent.Agent {
	return &agent.Agent{
		ID:        "agent-1",
		Name:      "Researcher",
		Role:      "Senior research assistant",
		Goal:      "Answer questions with cited sources",
		Backstory: "Spent a decade digging through academic archives",
	}
}

func TestCompleterBuildsRequest(t *testing.T) {
	mock := NewMockClient(MockResponse{Content: "the answer"})
	c := NewCompleter(mock, "test-model", WithTemperature(0.2), WithMaxTokens(512))

	history := []chat.Message{
		{Index: 0, Role: chat.RoleUser, Content: "question", Timestamp: time.Now()},
		{Index: 1, Role: chat.RoleAssistant, Content: "partial", Timestamp: time.Now()},
	}
	reply, err := c.Complete(context.Background(), completerAgent(), history)
	if err != nil {
		t.Fatalf("Complete returned unexpected error: %v", err)
	}
	if reply != "the answer" {
		t.Errorf("reply = %q", reply)
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	req := calls[0]
	if req.Model != "test-model" {
		t.Errorf("model = %q", req.Model)
	}
	if !strings.Contains(req.System, "You are Researcher.") {
		t.Errorf("system prompt missing agent identity:\n%s", req.System)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(req.Messages))
	}
	if req.Messages[0].Role != RoleUser || req.Messages[1].Role != RoleAssistant {
		t.Errorf("roles = %q, %q", req.Messages[0].Role, req.Messages[1].Role)
	}
	if req.MaxTokens != 512 {
		t.Errorf("max tokens = %d, want 512", req.MaxTokens)
	}
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", req.Temperature)
	}
}

func TestCompleterPropagatesError(t *testing.T) {
	boom := errors.New("rate limited")
	mock := NewMockClient(MockResponse{Error: boom})
	c := NewCompleter(mock, "test-model")

	_, err := c.Complete(context.Background(), completerAgent(), nil)
	if !errors.Is(err, boom) {
		t.Errorf("Complete err = %v, want wrapped cause", err)
	}
}
