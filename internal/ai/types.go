package ai

import (
	"context"
	"time"
)

// Provider identifies a model provider
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderOpenAI Provider = "openai"
)

// Capability represents the kind of work a request asks for. Providers use it
// to pick a system prompt and a default token budget.
type Capability string

const (
	CapabilityPlanning       Capability = "planning"
	CapabilityResearch       Capability = "research"
	CapabilityCodeGeneration Capability = "code_generation"
	CapabilityTesting        Capability = "testing"
	CapabilityDebugging      Capability = "debugging"
	CapabilityCodeReview     Capability = "code_review"
	CapabilityErrorAnalysis  Capability = "error_analysis"
)

// Request represents a request to a model provider
type Request struct {
	ID          string     `json:"id"`
	Model       string     `json:"model,omitempty"`
	Capability  Capability `json:"capability"`
	System      string     `json:"system,omitempty"`
	Prompt      string     `json:"prompt"`
	Language    string     `json:"language,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Temperature float32    `json:"temperature,omitempty"`
	UserID      string     `json:"user_id"`
	ProjectID   string     `json:"project_id,omitempty"`
	// JSONOutput asks the provider for a single JSON object reply.
	JSONOutput bool `json:"json_output,omitempty"`
}

// Response represents a response from a model provider
type Response struct {
	ID        string        `json:"id"`
	Provider  Provider      `json:"provider"`
	Content   string        `json:"content"`
	Usage     Usage         `json:"usage"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Usage represents token usage for a request
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage record.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Client is implemented by every model provider
type Client interface {
	// Generate generates content based on the request
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Provider returns the provider identifier
	Provider() Provider
}

// NewClient builds the client for provider. An empty baseURL uses the
// provider's public endpoint.
func NewClient(provider Provider, apiKey, baseURL, model string) (Client, error) {
	switch provider {
	case ProviderClaude:
		return NewClaudeClient(apiKey, baseURL, model), nil
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey, baseURL, model), nil
	default:
		return nil, &UnknownProviderError{Provider: provider}
	}
}

// UnknownProviderError is returned for an unsupported provider name.
type UnknownProviderError struct {
	Provider Provider
}

func (e *UnknownProviderError) Error() string {
	return "unknown ai provider: " + string(e.Provider)
}
