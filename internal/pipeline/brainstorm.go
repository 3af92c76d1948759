package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/storyloom/storyloom/internal/workflow"
)

// Brainstorm generates story beats for a premise: generate in rounds until
// the target count is reached, dedupe, then rank.
func Brainstorm() Pipeline {
	return Pipeline{
		ID:          "brainstorm",
		Name:        "Beat Brainstorm",
		Description: "Generate, dedupe and rank story beats for a premise",
		Build:       buildBrainstorm,
	}
}

// maxBrainstormRounds bounds the generate loop independently of how many
// usable beats each round yields.
const maxBrainstormRounds = 3

func buildBrainstorm(opts Options) workflow.Graph {
	opts = opts.withDefaults()

	seed := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		state = state.Clone()
		state["canon"] = canonBlock(ctx, wc, state, opts.ContextBudget)
		state["beats"] = []string{}
		state["rounds"] = 0
		return workflow.Continue(state), nil
	}

	generate := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		existing := stringsAt(state, "beats")

		system := "You are a story developer brainstorming plot beats.\n\n" + state.String("canon")
		user := fmt.Sprintf("Premise: %s\n\nPropose %d distinct story beats, one per line.",
			state.String(KeyPremise), opts.BeatTarget)
		if len(existing) > 0 {
			user += "\n\nAlready proposed (do not repeat):\n" + strings.Join(existing, "\n")
		}

		text, err := complete(ctx, wc, opts, system, user)
		if err != nil {
			return workflow.StepResult{}, err
		}

		state = state.Clone()
		state["beats"] = append(append([]string{}, existing...), parseList(text)...)
		state["rounds"] = state.Int("rounds") + 1
		return workflow.Continue(state), nil
	}

	dedupe := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		seen := make(map[string]bool)
		var unique []string
		for _, beat := range stringsAt(state, "beats") {
			key := strings.ToLower(strings.Join(strings.Fields(beat), " "))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			unique = append(unique, beat)
		}

		state = state.Clone()
		state["beats"] = unique
		return workflow.Continue(state), nil
	}

	rank := func(ctx context.Context, wc *workflow.Context, state workflow.State) (workflow.StepResult, error) {
		beats := stringsAt(state, "beats")

		system := "You are a story editor ranking plot beats by dramatic potential."
		user := "Rank these beats from strongest to weakest, one per line, strongest first:\n\n" +
			strings.Join(beats, "\n")

		text, err := complete(ctx, wc, opts, system, user)
		if err != nil {
			return workflow.StepResult{}, err
		}

		state = state.Clone()
		state["beats"] = parseList(text)
		state[KeyResult] = text
		return workflow.Continue(state), nil
	}

	return workflow.Graph{
		ID:        "brainstorm",
		Name:      "Beat Brainstorm",
		EntryNode: "seed",
		Nodes: []workflow.Node{
			{ID: "seed", Name: "Seed", Step: seed},
			{ID: "generate", Name: "Generate Beats", Step: generate},
			{ID: "dedupe", Name: "Dedupe", Step: dedupe},
			{ID: "rank", Name: "Rank", Step: rank},
		},
		Edges: []workflow.Edge{
			{From: "seed", To: "generate"},
			{From: "generate", To: "dedupe"},
			{From: "dedupe", To: "generate", Condition: func(s workflow.State) bool {
				return len(stringsAt(s, "beats")) < opts.BeatTarget && s.Int("rounds") < maxBrainstormRounds
			}},
			{From: "dedupe", To: "rank"},
		},
	}
}
