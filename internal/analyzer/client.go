package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Prompt is one request to the LLM. Schema, when set, is the JSON Schema
// the response must satisfy; providers that support constrained output pass it on.
type Prompt struct {
	System string
	User   string
	Schema map[string]interface{}
}

// Provider is a remote text-completion capability. Implementations hold no
// per-call state and are safe for concurrent use.
type Provider interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, p Prompt) (string, error)

// Complete calls f.
func (f ProviderFunc) Complete(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

// ProviderOptions selects and configures an LLM backend.
type ProviderOptions struct {
	Name        string // gemini, anthropic, openai, ollama
	APIKey      string
	Model       string
	Endpoint    string
	Timeout     time.Duration // HTTP client timeout; 0 uses the provider default
	Temperature float64
}

// NewProvider creates a Provider from configuration.
func NewProvider(opts ProviderOptions) (Provider, error) {
	timeout := func(def time.Duration) *http.Client {
		if opts.Timeout > 0 {
			def = opts.Timeout
		}
		return &http.Client{Timeout: def}
	}
	endpoint := func(def string) string {
		if opts.Endpoint != "" {
			return strings.TrimRight(opts.Endpoint, "/")
		}
		return def
	}

	switch opts.Name {
	case "gemini":
		return &GeminiProvider{
			apiKey:      opts.APIKey,
			model:       opts.Model,
			endpoint:    endpoint("https://generativelanguage.googleapis.com/v1beta"),
			temperature: opts.Temperature,
			client:      timeout(120 * time.Second),
		}, nil
	case "anthropic":
		return &AnthropicProvider{
			apiKey:      opts.APIKey,
			model:       opts.Model,
			endpoint:    endpoint("https://api.anthropic.com/v1"),
			temperature: opts.Temperature,
			client:      timeout(120 * time.Second),
		}, nil
	case "openai":
		return &OpenAIProvider{
			apiKey:      opts.APIKey,
			model:       opts.Model,
			endpoint:    endpoint("https://api.openai.com/v1"),
			temperature: opts.Temperature,
			client:      timeout(120 * time.Second),
		}, nil
	case "ollama":
		return &OllamaProvider{
			model:       opts.Model,
			endpoint:    endpoint("http://localhost:11434"),
			temperature: opts.Temperature,
			client:      timeout(300 * time.Second),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %q", opts.Name)
	}
}

// postJSON sends body to url and returns the response body of a 200 reply.
func postJSON(ctx context.Context, client *http.Client, name, url string, body interface{}, headers map[string]string) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s API error %d: %s", name, resp.StatusCode, truncateAPIError(respBody))
	}
	return respBody, nil
}

// --- Gemini Provider ---

// GeminiProvider implements Provider for the Google Generative Language API.
type GeminiProvider struct {
	apiKey      string
	model       string
	endpoint    string
	temperature float64
	client      *http.Client
}

func (p *GeminiProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	body := map[string]interface{}{
		"contents": []map[string]interface{}{
			{"role": "user", "parts": []map[string]string{{"text": prompt.User}}},
		},
		"generationConfig": map[string]interface{}{
			"temperature":      p.temperature,
			"responseMimeType": "application/json",
		},
	}
	if prompt.System != "" {
		body["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]string{{"text": prompt.System}},
		}
	}

	u := p.endpoint + "/models/" + url.PathEscape(p.model) + ":generateContent"
	respBody, err := postJSON(ctx, p.client, "gemini", u, body, map[string]string{"x-goog-api-key": p.apiKey})
	if err != nil {
		return "", err
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(result.Candidates) == 0 {
		return "", fmt.Errorf("empty response from gemini")
	}

	var sb strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("gemini returned no text (finish reason %q)", result.Candidates[0].FinishReason)
	}
	return sb.String(), nil
}

// --- Anthropic Provider ---

// AnthropicProvider implements Provider for Claude. A schema is enforced
// through a forced tool_use call.
type AnthropicProvider struct {
	apiKey      string
	model       string
	endpoint    string
	temperature float64
	client      *http.Client
}

func (p *AnthropicProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	body := map[string]interface{}{
		"model":       p.model,
		"max_tokens":  4096,
		"temperature": p.temperature,
		"system":      prompt.System,
		"messages": []map[string]interface{}{
			{"role": "user", "content": prompt.User},
		},
	}

	if prompt.Schema != nil {
		body["tools"] = []map[string]interface{}{
			{
				"name":         "record_result",
				"description":  "Record the log analysis result as structured JSON",
				"input_schema": prompt.Schema,
			},
		}
		body["tool_choice"] = map[string]string{"type": "tool", "name": "record_result"}
	}

	respBody, err := postJSON(ctx, p.client, "anthropic", p.endpoint+"/messages", body, map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": "2023-06-01",
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(result.Content) == 0 {
		return "", fmt.Errorf("empty response from anthropic")
	}

	// Prefer the tool_use block (structured output) over text.
	for _, block := range result.Content {
		if block.Type == "tool_use" && len(block.Input) > 0 {
			return string(block.Input), nil
		}
	}
	for _, block := range result.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}

	return "", fmt.Errorf("no usable content block in anthropic response")
}

// --- OpenAI Provider ---

// OpenAIProvider implements Provider for OpenAI and compatible APIs.
type OpenAIProvider struct {
	apiKey      string
	model       string
	endpoint    string
	temperature float64
	client      *http.Client
}

func (p *OpenAIProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	body := map[string]interface{}{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "system", "content": prompt.System},
			{"role": "user", "content": prompt.User},
		},
		"response_format": map[string]string{"type": "json_object"},
		"temperature":     p.temperature,
		"max_tokens":      4096,
	}

	respBody, err := postJSON(ctx, p.client, "openai", p.endpoint+"/chat/completions", body, map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	})
	if err != nil {
		return "", err
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai")
	}

	return result.Choices[0].Message.Content, nil
}

// --- Ollama Provider ---

// OllamaProvider implements Provider for a local Ollama server.
type OllamaProvider struct {
	model       string
	endpoint    string
	temperature float64
	client      *http.Client
}

func (p *OllamaProvider) Complete(ctx context.Context, prompt Prompt) (string, error) {
	var format interface{} = "json"
	if prompt.Schema != nil {
		format = prompt.Schema
	}

	body := map[string]interface{}{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "system", "content": prompt.System},
			{"role": "user", "content": prompt.User},
		},
		"stream":  false,
		"format":  format,
		"options": map[string]interface{}{"temperature": p.temperature},
	}

	respBody, err := postJSON(ctx, p.client, "ollama", p.endpoint+"/api/chat", body, nil)
	if err != nil {
		return "", err
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}

	return result.Message.Content, nil
}

// truncateAPIError limits API error bodies echoed into errors and logs.
func truncateAPIError(body []byte) string {
	const maxLen = 512
	if len(body) <= maxLen {
		return string(body)
	}
	return string(body[:maxLen]) + "... (truncated)"
}
