package pipeline

import (
	"context"
	"fmt"

	"github.com/storyloom/storyloom/internal/workflow"
)

// SceneDraft is the drafting pipeline: gather canon and reference material,
// draft the scene, self-critique with a bounded revision loop, pause for
// human approval, then finalize.
func SceneDraft() Pipeline {
	return Pipeline{
		ID:          "scene_draft",
		Name:        "Scene Draft",
		Description: "Draft a scene from a premise, with canon constraints and a revision loop",
		Build:       buildSceneDraft,
	}
}

func buildSceneDraft(opts Options) workflow.Graph {
	opts = opts.withDefaults()

	gather := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		state = state.Clone()
		state["canon"] = canonBlock(ctx, wc, state, opts.ContextBudget/2)
		state["reference"] = referenceBlock(ctx, wc, state.String(KeyPremise), opts.ContextBudget/2)
		return workflow.Continue(state), nil
	}

	draft := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		system := "You are a fiction writer drafting a single scene.\n\n" +
			state.String("canon") + "\n\n" + state.String("reference")

		var user string
		if state.String("critique") == "" {
			user = "Write the scene: " + state.String(KeyPremise)
		} else {
			user = fmt.Sprintf(
				"Revise the scene below to address the critique.\n\nScene:\n%s\n\nCritique:\n%s",
				state.String("draft"), state.String("critique"),
			)
		}

		text, err := complete(ctx, wc, opts, system, user)
		if err != nil {
			return workflow.StepResult{}, err
		}

		state = state.Clone()
		if state.String("critique") != "" {
			state["revisions"] = state.Int("revisions") + 1
		}
		state["draft"] = text
		return workflow.Continue(state), nil
	}

	critique := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		system := "You are an editor checking a scene draft against established canon.\n\n" +
			state.String("canon")
		user := "If the scene below is consistent and publishable, reply with the single word OK. " +
			"Otherwise list the concrete problems.\n\n" + state.String("draft")

		text, err := complete(ctx, wc, opts, system, user)
		if err != nil {
			return workflow.StepResult{}, err
		}

		state = state.Clone()
		state["critique"] = text
		state["critique_ok"] = isClean(text)
		return workflow.Continue(state), nil
	}

	review := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		// Human approval gate; the breakpoint handler may edit the draft.
		return workflow.Pause(state), nil
	}

	finalize := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		state = state.Clone()
		state[KeyResult] = state.String("draft")
		return workflow.Continue(state), nil
	}

	return workflow.Graph{
		ID:        "scene_draft",
		Name:      "Scene Draft",
		EntryNode: "gather",
		Nodes: []workflow.Node{
			{ID: "gather", Name: "Gather Canon", Step: gather},
			{ID: "draft", Name: "Draft Scene", Step: draft},
			{ID: "critique", Name: "Self-Critique", Step: critique},
			{ID: "review", Name: "Human Review", Step: review},
			{ID: "finalize", Name: "Finalize", Step: finalize},
		},
		Edges: []workflow.Edge{
			{From: "gather", To: "draft"},
			{From: "draft", To: "critique"},
			{From: "critique", To: "draft", Condition: func(s workflow.State) bool {
				return !s.Bool("critique_ok") && s.Int("revisions") < opts.MaxRevisions
			}},
			{From: "critique", To: "review"},
			{From: "review", To: "finalize"},
		},
	}
}
