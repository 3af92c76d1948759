package pipeline

import (
	"context"
	"strings"

	"github.com/storyloom/storyloom/internal/workflow"
)

// DialogueRefine reworks the dialogue in an existing scene: extract spoken
// lines, check each character's voice against canon, rewrite until the check
// passes or the revision bound is hit.
func DialogueRefine() Pipeline {
	return Pipeline{
		ID:          "dialogue_refine",
		Name:        "Dialogue Refinement",
		Description: "Check and rewrite scene dialogue against character voice canon",
		Build:       buildDialogueRefine,
	}
}

func buildDialogueRefine(opts Options) workflow.Graph {
	opts = opts.withDefaults()

	extract := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		var spoken []string
		for _, line := range strings.Split(state.String(KeySceneText), "\n") {
			if strings.Contains(line, `"`) || strings.ContainsAny(line, "“”") {
				spoken = append(spoken, strings.TrimSpace(line))
			}
		}

		state = state.Clone()
		state["dialogue"] = spoken
		state["dialogue_empty"] = len(spoken) == 0
		state["canon"] = canonBlock(ctx, wc, state, opts.ContextBudget, "character")
		return workflow.Continue(state), nil
	}

	voicecheck := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		system := "You are a dialogue editor checking character voice.\n\n" + state.String("canon")
		user := "If every line below fits its speaker's established voice, reply with the single " +
			"word OK. Otherwise list the lines that ring false and why.\n\n" +
			strings.Join(stringsAt(state, "dialogue"), "\n")

		text, err := complete(ctx, wc, opts, system, user)
		if err != nil {
			return workflow.StepResult{}, err
		}

		state = state.Clone()
		state["voice_issues"] = text
		state["voice_ok"] = isClean(text)
		return workflow.Continue(state), nil
	}

	rewrite := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		system := "You are a fiction writer revising dialogue in place.\n\n" + state.String("canon")
		user := "Rewrite the scene below, changing only dialogue, to fix these voice problems.\n\n" +
			"Problems:\n" + state.String("voice_issues") + "\n\nScene:\n" + state.String(KeySceneText)

		text, err := complete(ctx, wc, opts, system, user)
		if err != nil {
			return workflow.StepResult{}, err
		}

		state = state.Clone()
		state[KeySceneText] = text
		state["passes"] = state.Int("passes") + 1

		// Re-extract from the rewritten scene for the next check.
		var spoken []string
		for _, line := range strings.Split(text, "\n") {
			if strings.Contains(line, `"`) || strings.ContainsAny(line, "“”") {
				spoken = append(spoken, strings.TrimSpace(line))
			}
		}
		state["dialogue"] = spoken
		return workflow.Continue(state), nil
	}

	finalize := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		state = state.Clone()
		state[KeyResult] = state.String(KeySceneText)
		return workflow.Continue(state), nil
	}

	return workflow.Graph{
		ID:        "dialogue_refine",
		Name:      "Dialogue Refinement",
		EntryNode: "extract",
		Nodes: []workflow.Node{
			{ID: "extract", Name: "Extract Dialogue", Step: extract},
			{ID: "voicecheck", Name: "Voice Check", Step: voicecheck},
			{ID: "rewrite", Name: "Rewrite", Step: rewrite},
			{ID: "finalize", Name: "Finalize", Step: finalize},
		},
		Edges: []workflow.Edge{
			{From: "extract", To: "finalize", Condition: func(s workflow.State) bool {
				return s.Bool("dialogue_empty")
			}},
			{From: "extract", To: "voicecheck"},
			{From: "voicecheck", To: "rewrite", Condition: func(s workflow.State) bool {
				return !s.Bool("voice_ok") && s.Int("passes") < opts.MaxRevisions
			}},
			{From: "voicecheck", To: "finalize"},
			{From: "rewrite", To: "voicecheck"},
		},
	}
}
