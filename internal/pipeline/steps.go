package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/storyloom/storyloom/internal/lore"
	"github.com/storyloom/storyloom/internal/workflow"
)

// complete sends a system+user prompt pair to the text-generation
// collaborator and returns the content.
func complete(ctx context.Context, wc *workflow.Context, opts Options, system, user string) (string, error) {
	if wc.Generator == nil {
		return "", fmt.Errorf("no text-generation provider configured")
	}

	resp, err := wc.Generator.Complete(ctx,
		[]workflow.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		workflow.CompleteOptions{
			Model:       opts.Model,
			MaxTokens:   opts.MaxTokens,
			Temperature: opts.Temperature,
		},
	)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// canonBlock gathers canon constraints for the state's scope, rendered for
// prompt injection. Degrades to a "no constraints" note when the knowledge
// store is absent or no scope is set.
func canonBlock(ctx context.Context, wc *workflow.Context, state workflow.State, budget int, kinds ...string) string {
	scopeID := state.String(KeyScopeID)
	if wc.Lore == nil || scopeID == "" {
		return "(no canon constraints available)"
	}

	constraints, err := wc.Lore.ConstraintsFor(ctx, scopeID, kinds...)
	if err != nil || len(constraints) == 0 {
		return "(no canon constraints available)"
	}

	entities := make([]lore.Entity, len(constraints))
	for i, c := range constraints {
		entities[i] = lore.Entity{Kind: c.Kind, Name: c.Name, Content: c.Content}
	}
	return trimToBudget(lore.PromptPart(entities), budget)
}

// referenceBlock retrieves prior prose related to the query. Degrades to a
// note when retrieval is not configured.
func referenceBlock(ctx context.Context, wc *workflow.Context, query string, budget int) string {
	if wc.Retriever == nil || query == "" {
		return "(no reference material available)"
	}

	snippets, err := wc.Retriever.Search(ctx, query, 5)
	if err != nil || len(snippets) == 0 {
		return "(no reference material available)"
	}

	var sb strings.Builder
	sb.WriteString("### Reference Material\n")
	for _, s := range snippets {
		sb.WriteString("---\n")
		sb.WriteString(s.Content)
		sb.WriteString("\n")
	}
	return trimToBudget(sb.String(), budget)
}

// parseList splits a model response into non-empty items, stripping bullet
// and numbering prefixes.
func parseList(response string) []string {
	var items []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789. )")
		line = strings.TrimSpace(line)
		if line != "" {
			items = append(items, line)
		}
	}
	return items
}

// stringsAt returns the string-slice value for key, or nil.
func stringsAt(s workflow.State, key string) []string {
	v, _ := s[key].([]string)
	return v
}

// isClean reports whether a critique response signals no remaining issues.
// Critique prompts instruct the model to answer with the single word OK.
func isClean(response string) bool {
	head := strings.ToUpper(strings.TrimSpace(response))
	return head == "OK" || strings.HasPrefix(head, "OK\n") || strings.HasPrefix(head, "OK.")
}
