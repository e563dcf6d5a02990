package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultOpenAIBaseURL    = "https://api.openai.com/v1"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultOpenAIMaxTokens  = 512
	defaultOpenAIRetryDelay = 2 * time.Second
)

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIErrorResponse struct {
	Error openAIErrorDetail `json:"error"`
}

type openAIErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// OpenAIConfig holds the parameters needed to create an OpenAI provider.
type OpenAIConfig struct {
	APIKey string
	// Model is the default model identifier.
	Model string
	// BaseURL is the API base URL (empty means default).
	BaseURL string
}

// OpenAIProvider implements Evaluator using the OpenAI Chat Completions API
// in JSON response mode.
type OpenAIProvider struct {
	httpClient  *http.Client
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	maxRetries  int
	retryDelay  time.Duration
}

var _ Evaluator = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates an OpenAI evaluator.
func NewOpenAIProvider(cfg OpenAIConfig, temperature float64, timeout time.Duration, maxRetries int, retryDelay time.Duration) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if retryDelay <= 0 {
		retryDelay = defaultOpenAIRetryDelay
	}

	return &OpenAIProvider{
		httpClient:  newProviderHTTPClient(timeout),
		apiKey:      cfg.APIKey,
		model:       model,
		baseURL:     baseURL,
		temperature: temperature,
		maxRetries:  max(maxRetries, 0),
		retryDelay:  retryDelay,
	}
}

// Evaluate sends one prompt to Chat Completions and parses the JSON answer.
func (p *OpenAIProvider) Evaluate(ctx context.Context, req Request) (*Evaluation, error) {
	chatReq := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature:    p.temperature,
		MaxTokens:      defaultOpenAIMaxTokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	if req.Model != "" {
		chatReq.Model = req.Model
	}
	if req.Temperature != nil {
		chatReq.Temperature = *req.Temperature
	}

	return retryTransient(ctx, p.Provider(), p.maxRetries, p.retryDelay, func() (*Evaluation, error) {
		return p.doRequest(ctx, chatReq)
	})
}

// Provider returns the name of the LLM provider.
func (p *OpenAIProvider) Provider() string {
	return "openai"
}

// Model returns the default model identifier.
func (p *OpenAIProvider) Model() string {
	return p.model
}

func (p *OpenAIProvider) doRequest(ctx context.Context, chatReq chatRequest) (*Evaluation, error) {
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{Provider: "openai", Message: fmt.Sprintf("request failed: %v", err), Type: "network_error"}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &APIError{Provider: "openai", Message: fmt.Sprintf("failed to read response body: %v", err), Type: "network_error"}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseOpenAIAPIError(resp.StatusCode, respBody)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("openai: failed to unmarshal response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	eval, err := parseAnswer("openai", chatResp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	eval.Model = chatReq.Model
	if chatResp.Model != "" {
		eval.Model = chatResp.Model
	}
	eval.InputTokens = chatResp.Usage.PromptTokens
	eval.OutputTokens = chatResp.Usage.CompletionTokens
	return eval, nil
}

func parseOpenAIAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{
		Provider:   "openai",
		StatusCode: statusCode,
		Message:    string(body),
	}

	var errResp openAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		apiErr.Message = errResp.Error.Message
		apiErr.Type = errResp.Error.Type
		apiErr.Code = errResp.Error.Code
	}
	return apiErr
}

func newProviderHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
