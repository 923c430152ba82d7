package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	claudeDefaultURL   = "https://api.anthropic.com/v1/messages"
	claudeDefaultModel = "claude-sonnet-4-20250514"
)

// ClaudeClient implements the Anthropic messages API
type ClaudeClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float32         `json:"temperature,omitempty"`
	System      string          `json:"system,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewClaudeClient creates a new Claude API client
func NewClaudeClient(apiKey, baseURL, model string) *ClaudeClient {
	if baseURL == "" {
		baseURL = claudeDefaultURL
	}
	if model == "" {
		model = claudeDefaultModel
	}
	return &ClaudeClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// Provider returns the provider identifier
func (c *ClaudeClient) Provider() Provider { return ProviderClaude }

// Generate implements Client for Claude
func (c *ClaudeClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	system := req.System
	if system == "" {
		system = systemPrompt(req.Capability, req.Language)
	}
	if req.JSONOutput {
		system += "\n\nRespond with a single JSON object and nothing else."
	}

	body := &claudeRequest{
		Model:       model,
		MaxTokens:   maxTokens(req),
		Messages:    []claudeMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
		System:      system,
	}

	var resp claudeResponse
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": "2023-06-01",
	}
	if err := postJSON(ctx, c.httpClient, c.baseURL, headers, body, &resp); err != nil {
		return nil, fmt.Errorf("claude: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("claude: %s", resp.Error.Message)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		ID:       req.ID,
		Provider: ProviderClaude,
		Content:  text.String(),
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Duration:  time.Since(start),
		CreatedAt: time.Now(),
	}, nil
}

// systemPrompt creates capability-specific system prompts
func systemPrompt(capability Capability, language string) string {
	base := "You are one agent in an automated code-generation pipeline. " +
		"Produce complete, working code with all imports and error handling. " +
		"Never output placeholders or TODO stubs."

	switch capability {
	case CapabilityPlanning:
		return base + "\n\nBreak the request into small ordered tasks for specialist agents."
	case CapabilityDebugging:
		return base + "\n\nYou are debugging code. Identify the root cause and return complete fixed files."
	case CapabilityCodeReview:
		return base + "\n\nReview the code for bugs, security issues and missing requirements."
	case CapabilityErrorAnalysis:
		return base + "\n\nAnalyze the failure and propose concrete corrective tasks."
	case CapabilityTesting:
		return fmt.Sprintf("%s\n\nWrite focused automated tests for %s code.", base, language)
	default:
		return fmt.Sprintf("%s\n\nAssist with %s development tasks.", base, language)
	}
}

// maxTokens determines appropriate max tokens based on request
func maxTokens(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	switch req.Capability {
	case CapabilityCodeGeneration, CapabilityDebugging:
		return 8000
	case CapabilityTesting:
		return 4000
	case CapabilityPlanning, CapabilityErrorAnalysis:
		return 2000
	default:
		return 1500
	}
}
