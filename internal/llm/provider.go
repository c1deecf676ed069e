package llm

import (
	"os"
	"strings"
)

// Provider identifies a completion provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderGroq      Provider = "groq"
	ProviderOpenAI    Provider = "openai"
	ProviderOllama    Provider = "ollama"
)

// ParseModelString parses a model string into provider and model name.
//
// Supported formats:
//
//	"groq/llama-3.3-70b-versatile" → (groq, "llama-3.3-70b-versatile")
//	"openai/gpt-4o"                → (openai, "gpt-4o")
//	"ollama/llama3.2"              → (ollama, "llama3.2")
//	"claude-sonnet-4-20250514"     → (anthropic, "claude-sonnet-4-20250514")
//	"gpt-4o"                       → (openai, "gpt-4o")
func ParseModelString(model string) (Provider, string) {
	if i := strings.Index(model, "/"); i > 0 {
		prefix := strings.ToLower(model[:i])
		name := model[i+1:]
		switch prefix {
		case "groq":
			return ProviderGroq, name
		case "openai":
			return ProviderOpenAI, name
		case "ollama":
			return ProviderOllama, name
		case "anthropic":
			return ProviderAnthropic, name
		}
	}

	// No prefix — infer from model name patterns
	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "claude") {
		return ProviderAnthropic, model
	}
	if strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") || strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4") {
		return ProviderOpenAI, model
	}

	// Check env vars as a last resort
	if os.Getenv("GROQ_API_KEY") != "" {
		return ProviderGroq, model
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI, model
	}

	return ProviderAnthropic, model
}

// NewClientForModel creates the appropriate completion client for the model string.
//
// Environment variables used:
//
//	ANTHROPIC_API_KEY  — Anthropic API key (read by SDK automatically)
//	GROQ_API_KEY       — Groq API key
//	OPENAI_API_KEY     — OpenAI API key
//	OPENAI_BASE_URL    — Custom OpenAI-compatible base URL
//	OLLAMA_HOST        — Ollama server address (default: http://localhost:11434)
func NewClientForModel(model string) (Client, string) {
	provider, modelName := ParseModelString(model)

	switch provider {
	case ProviderGroq:
		return NewGroqClient(os.Getenv("GROQ_API_KEY")), modelName

	case ProviderOllama:
		return NewOllamaClient(os.Getenv("OLLAMA_HOST")), modelName

	case ProviderOpenAI:
		apiKey := os.Getenv("OPENAI_API_KEY")
		if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
			return NewOpenAICompatibleClient(baseURL, apiKey), modelName
		}
		return NewOpenAIClient(apiKey), modelName

	default: // ProviderAnthropic
		return NewAnthropicClient(), modelName
	}
}
