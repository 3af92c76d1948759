package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/storyloom/storyloom/internal/workflow"
)

// OpenAI implements Provider for OpenAI and OpenAI-compatible endpoints
// (OpenRouter, DeepSeek, Mistral).
type OpenAI struct {
	apiKey  string
	model   string
	baseURL string
}

// NewOpenAI creates a new OpenAI-compatible provider. baseURL defaults to the
// official API.
func NewOpenAI(apiKey, model, baseURL string) *OpenAI {
	if model == "" {
		model = "gpt-4o"
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAI{apiKey: apiKey, model: model, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (p *OpenAI) Name() string {
	return "openai"
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openaiResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete performs a non-streaming chat completion.
func (p *OpenAI) Complete(ctx context.Context, messages []workflow.Message, opts workflow.CompleteOptions) (*workflow.Completion, error) {
	model := opts.Model
	if model == "" {
		model = p.model
	}

	req := openaiRequest{
		Model:       model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openaiMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := doRequest(ctx, "POST", p.baseURL+"/chat/completions", p.headers(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed openaiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("openai: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices")
	}

	choice := parsed.Choices[0]
	return &workflow.Completion{Content: choice.Message.Content, FinishReason: choice.FinishReason}, nil
}

type openaiEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	// A dedicated embedding provider carries its embedding model in Model;
	// chat models fall back to the standard embedding model.
	model := "text-embedding-3-small"
	if strings.HasPrefix(p.model, "text-embedding") {
		model = p.model
	}

	req := openaiEmbedRequest{
		Model: model,
		Input: texts,
	}

	body, _ := json.Marshal(req)
	resp, err := doRequest(ctx, "POST", p.baseURL+"/embeddings", p.headers(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed error %d: %s", resp.StatusCode, string(respBody))
	}

	var embedResp openaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, err
	}

	result := make([][]float32, len(embedResp.Data))
	for i, d := range embedResp.Data {
		result[i] = d.Embedding
	}
	return result, nil
}

func (p *OpenAI) headers() map[string]string {
	headers := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer " + p.apiKey,
	}

	// OpenRouter attribution headers
	if strings.Contains(p.baseURL, "openrouter") {
		headers["HTTP-Referer"] = "https://storyloom.dev"
		headers["X-Title"] = "Storyloom"
	}

	return headers
}
