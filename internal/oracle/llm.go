package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	anthropicURL     = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
	openAIURL        = "https://api.openai.com/v1/chat/completions"
)

// LLMConfig holds the shared settings for a remote advisory client.
type LLMConfig struct {
	APIKey      string        `json:"api_key"`
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Timeout     time.Duration `json:"timeout"`
	BaseURL     string        `json:"base_url,omitempty"` // test override
}

func (c *LLMConfig) applyDefaults() {
	if c.MaxTokens == 0 {
		c.MaxTokens = 1024
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicProvider queries the Anthropic messages API.
type AnthropicProvider struct {
	config     LLMConfig
	httpClient *http.Client
}

func NewAnthropicProvider(config LLMConfig) *AnthropicProvider {
	config.applyDefaults()
	if config.Model == "" {
		config.Model = "claude-sonnet-4-20250514"
	}
	if config.BaseURL == "" {
		config.BaseURL = anthropicURL
	}
	return &AnthropicProvider{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *AnthropicProvider) Recommend(ctx context.Context, payload Payload, profile string) (*Verdict, error) {
	userPrompt, err := buildUserPrompt(payload)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(anthropicRequest{
		Model:       p.config.Model,
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
		System:      systemPrompt(profile),
		Messages:    []message{{Role: "user", Content: userPrompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	respBody, err := doRequest(p.httpClient, httpReq)
	if err != nil {
		return nil, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s - %s", resp.Error.Type, resp.Error.Message)
	}
	if len(resp.Content) == 0 {
		return nil, fmt.Errorf("empty response from anthropic")
	}

	return parseVerdict(resp.Content[0].Text, p.Name())
}

// OpenAIProvider queries the OpenAI chat completions API.
type OpenAIProvider struct {
	config     LLMConfig
	httpClient *http.Client
}

func NewOpenAIProvider(config LLMConfig) *OpenAIProvider {
	config.applyDefaults()
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.BaseURL == "" {
		config.BaseURL = openAIURL
	}
	return &OpenAIProvider{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) Recommend(ctx context.Context, payload Payload, profile string) (*Verdict, error) {
	userPrompt, err := buildUserPrompt(payload)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(openAIRequest{
		Model: p.config.Model,
		Messages: []message{
			{Role: "system", Content: systemPrompt(profile)},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	respBody, err := doRequest(p.httpClient, httpReq)
	if err != nil {
		return nil, err
	}

	var resp openAIResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("API error: %s - %s", resp.Error.Type, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from openai")
	}

	return parseVerdict(resp.Choices[0].Message.Content, p.Name())
}

func doRequest(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

var codeBlockRe = regexp.MustCompile("(?s)^```(?:json)?\\s*\\n?(.*?)\\n?```$")

// stripMarkdownCodeBlock removes markdown fencing some models wrap around
// JSON responses despite instructions.
func stripMarkdownCodeBlock(response string) string {
	trimmed := strings.TrimSpace(response)
	if m := codeBlockRe.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}

func parseVerdict(raw, provider string) (*Verdict, error) {
	var v Verdict
	if err := json.Unmarshal([]byte(stripMarkdownCodeBlock(raw)), &v); err != nil {
		return nil, fmt.Errorf("failed to parse verdict JSON: %w", err)
	}

	v.Action = strings.ToUpper(strings.TrimSpace(v.Action))
	switch v.Action {
	case ActionBuy, ActionSell, ActionHold:
	default:
		return nil, fmt.Errorf("verdict has unknown action %q", v.Action)
	}
	if v.Confidence < 0 || v.Confidence > 100 {
		return nil, fmt.Errorf("verdict confidence %.2f out of range [0,100]", v.Confidence)
	}
	v.Provider = provider
	return &v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
