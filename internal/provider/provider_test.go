package provider

import (
	"strings"
	"testing"

	"github.com/storyloom/storyloom/internal/workflow"
)

func TestFactorySelectsBackend(t *testing.T) {
	cases := []struct {
		provider string
		wantName string
	}{
		{"anthropic", "anthropic"},
		{"openai", "openai"},
		{"openrouter", "openai"},
		{"deepseek", "openai"},
		{"mistral", "openai"},
	}

	for _, tc := range cases {
		p, err := New(Config{Provider: tc.provider, APIKey: "k"})
		if err != nil {
			t.Errorf("New(%s): %v", tc.provider, err)
			continue
		}
		if p.Name() != tc.wantName {
			t.Errorf("New(%s).Name() = %s, want %s", tc.provider, p.Name(), tc.wantName)
		}
	}

	if _, err := New(Config{Provider: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestAnthropicSystemPromptOutOfBand(t *testing.T) {
	p := NewAnthropic("k", "")

	req := p.buildRequest([]workflow.Message{
		{Role: "system", Content: "You are an editor."},
		{Role: "system", Content: "Be brief."},
		{Role: "user", Content: "Check this scene."},
	}, workflow.CompleteOptions{})

	if !strings.Contains(req.System, "You are an editor.") || !strings.Contains(req.System, "Be brief.") {
		t.Errorf("system messages not folded: %q", req.System)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Errorf("system messages leaked into the turn list: %+v", req.Messages)
	}
	if req.MaxTokens == 0 {
		t.Error("max tokens must default")
	}
}

func TestAnthropicModelOverride(t *testing.T) {
	p := NewAnthropic("k", "claude-sonnet-4-20250514")

	req := p.buildRequest(nil, workflow.CompleteOptions{Model: "claude-opus-4-20250514"})
	if req.Model != "claude-opus-4-20250514" {
		t.Errorf("per-call model override ignored: %s", req.Model)
	}

	req = p.buildRequest(nil, workflow.CompleteOptions{})
	if req.Model != "claude-sonnet-4-20250514" {
		t.Errorf("configured model not used: %s", req.Model)
	}
}

func TestOpenAIHeaders(t *testing.T) {
	p := NewOpenAI("secret", "", "https://openrouter.ai/api/v1")
	headers := p.headers()

	if headers["Authorization"] != "Bearer secret" {
		t.Errorf("auth header = %q", headers["Authorization"])
	}
	if headers["HTTP-Referer"] == "" {
		t.Error("openrouter endpoints need attribution headers")
	}

	plain := NewOpenAI("secret", "", "")
	if _, ok := plain.headers()["HTTP-Referer"]; ok {
		t.Error("attribution headers must be openrouter-only")
	}
}
