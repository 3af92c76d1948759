package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/storyloom/storyloom/internal/workflow"
)

// Provider is a text-generation backend. Complete satisfies the
// workflow.Generator contract; Embed backs the retrieval index.
type Provider interface {
	Complete(ctx context.Context, messages []workflow.Message, opts workflow.CompleteOptions) (*workflow.Completion, error)
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

// Config holds provider configuration.
type Config struct {
	Provider string `json:"provider"` // anthropic, openai, openrouter, deepseek, mistral
	APIKey   string `json:"api_key"`
	Model    string `json:"model"`
	BaseURL  string `json:"base_url,omitempty"`
}

// New creates a provider based on config.
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		return NewAnthropic(cfg.APIKey, cfg.Model), nil
	case "openai":
		return NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case "openrouter":
		baseURL := "https://openrouter.ai/api/v1"
		if cfg.BaseURL != "" {
			baseURL = cfg.BaseURL
		}
		return NewOpenAI(cfg.APIKey, cfg.Model, baseURL), nil
	case "deepseek":
		return NewOpenAI(cfg.APIKey, cfg.Model, "https://api.deepseek.com/v1"), nil
	case "mistral":
		baseURL := "https://api.mistral.ai/v1"
		if cfg.BaseURL != "" {
			baseURL = cfg.BaseURL
		}
		return NewOpenAI(cfg.APIKey, cfg.Model, baseURL), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}

// httpClient is a shared HTTP client with a long timeout for generation
// requests.
var httpClient = &http.Client{
	Timeout: 10 * time.Minute,
	Transport: &http.Transport{
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	},
}

// doRequest performs an HTTP request with retry on network flakes and 5xx
// responses. The caller's ctx is threaded through so an executor cancellation
// aborts the underlying request; cancellation is never retried.
func doRequest(ctx context.Context, method, url string, headers map[string]string, body io.Reader) (*http.Response, error) {
	var bodyBytes []byte
	var err error
	if body != nil {
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return nil, err
		}
	}

	retryDelay := 1 * time.Second
	maxRetries := 3

	for i := 0; i <= maxRetries; i++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}

		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if i < maxRetries {
				log.Warn().Err(err).Dur("retry_in", retryDelay).Msg("provider request failed, retrying")
				time.Sleep(retryDelay)
				retryDelay *= 2
				continue
			}
			return nil, err
		}

		if resp.StatusCode >= 500 {
			if i < maxRetries {
				log.Warn().Int("status", resp.StatusCode).Dur("retry_in", retryDelay).Msg("provider returned server error, retrying")
				resp.Body.Close()
				time.Sleep(retryDelay)
				retryDelay *= 2
				continue
			}
		}

		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded")
}
