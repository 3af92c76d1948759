package pipeline

import (
	"context"
	"strings"

	"github.com/storyloom/storyloom/internal/workflow"
)

// ContinuityAudit checks a scene against recorded canon: extract factual
// claims, look each up in the knowledge store, pause for human review when
// contradictions are found, then apply approved fixes.
func ContinuityAudit() Pipeline {
	return Pipeline{
		ID:          "continuity_audit",
		Name:        "Continuity Audit",
		Description: "Find and repair canon contradictions in a scene",
		Build:       buildContinuityAudit,
	}
}

func buildContinuityAudit(opts Options) workflow.Graph {
	opts = opts.withDefaults()

	collect := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		system := "You extract checkable factual claims from fiction."
		user := "List every factual claim in the scene below (who, where, when, what is true " +
			"of the world), one per line.\n\n" + state.String(KeySceneText)

		text, err := complete(ctx, wc, opts, system, user)
		if err != nil {
			return workflow.StepResult{}, err
		}

		state = state.Clone()
		state["claims"] = parseList(text)
		return workflow.Continue(state), nil
	}

	check := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		claims := stringsAt(state, "claims")

		// Without a knowledge store there is nothing to contradict.
		if wc.Lore == nil || len(claims) == 0 {
			state = state.Clone()
			state["contradictions"] = []string{}
			return workflow.Continue(state), nil
		}

		var canon strings.Builder
		for _, claim := range claims {
			matches, err := wc.Lore.Lookup(ctx, claim, 3)
			if err != nil {
				continue
			}
			for _, m := range matches {
				canon.WriteString("- [" + m.Kind + "] " + m.Name + ": " + m.Content + "\n")
			}
		}

		system := "You are a continuity editor. Compare claims against established canon.\n\n" +
			"### Established Canon\n" + trimToBudget(canon.String(), opts.ContextBudget)
		user := "If no claim below contradicts canon, reply with the single word OK. Otherwise " +
			"list each contradiction, one per line.\n\n" + strings.Join(claims, "\n")

		text, err := complete(ctx, wc, opts, system, user)
		if err != nil {
			return workflow.StepResult{}, err
		}

		state = state.Clone()
		if isClean(text) {
			state["contradictions"] = []string{}
		} else {
			state["contradictions"] = parseList(text)
		}
		return workflow.Continue(state), nil
	}

	report := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		contradictions := stringsAt(state, "contradictions")

		state = state.Clone()
		if len(contradictions) == 0 {
			state["report"] = "No contradictions found."
			return workflow.Continue(state), nil
		}

		state["report"] = "Contradictions:\n" + strings.Join(contradictions, "\n")
		// Let a human strike false positives before anything is rewritten.
		return workflow.Pause(state), nil
	}

	repair := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		system := "You are a fiction writer fixing continuity errors with minimal edits."
		user := "Rewrite the scene below so it no longer contains these contradictions. Change " +
			"as little as possible.\n\nContradictions:\n" +
			strings.Join(stringsAt(state, "contradictions"), "\n") +
			"\n\nScene:\n" + state.String(KeySceneText)

		text, err := complete(ctx, wc, opts, system, user)
		if err != nil {
			return workflow.StepResult{}, err
		}

		state = state.Clone()
		state[KeySceneText] = text
		state["repairs"] = state.Int("repairs") + 1
		return workflow.Continue(state), nil
	}

	finalize := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		state = state.Clone()
		state[KeyResult] = state.String(KeySceneText)
		return workflow.Continue(state), nil
	}

	return workflow.Graph{
		ID:        "continuity_audit",
		Name:      "Continuity Audit",
		EntryNode: "collect",
		Nodes: []workflow.Node{
			{ID: "collect", Name: "Collect Claims", Step: collect},
			{ID: "check", Name: "Check Canon", Step: check},
			{ID: "report", Name: "Report", Step: report},
			{ID: "repair", Name: "Repair", Step: repair},
			{ID: "finalize", Name: "Finalize", Step: finalize},
		},
		Edges: []workflow.Edge{
			{From: "collect", To: "check"},
			{From: "check", To: "report"},
			{From: "report", To: "repair", Condition: func(s workflow.State) bool {
				return len(stringsAt(s, "contradictions")) > 0 && s.Int("repairs") < opts.MaxRevisions
			}},
			{From: "report", To: "finalize"},
			{From: "repair", To: "check"},
		},
	}
}
