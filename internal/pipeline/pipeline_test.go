package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/storyloom/storyloom/internal/workflow"
)

// scriptedGenerator replays canned completions in order and records the
// prompts it was sent.
type scriptedGenerator struct {
	responses []string
	calls     []string // user prompt of each call
}

func (g *scriptedGenerator) Complete(ctx context.Context, messages []workflow.Message, opts workflow.CompleteOptions) (*workflow.Completion, error) {
	var user string
	for _, m := range messages {
		if m.Role == "user" {
			user = m.Content
		}
	}
	g.calls = append(g.calls, user)

	i := len(g.calls) - 1
	if i >= len(g.responses) {
		return &workflow.Completion{Content: "OK"}, nil
	}
	return &workflow.Completion{Content: g.responses[i]}, nil
}

type fakeLore struct {
	constraints []workflow.Constraint
}

func (l *fakeLore) ConstraintsFor(ctx context.Context, scopeID string, kinds ...string) ([]workflow.Constraint, error) {
	return l.constraints, nil
}

func (l *fakeLore) Lookup(ctx context.Context, query string, limit int) ([]workflow.Constraint, error) {
	return l.constraints, nil
}

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()

	for _, id := range []string{"scene_draft", "brainstorm", "dialogue_refine", "continuity_audit"} {
		if _, err := r.Get(id); err != nil {
			t.Errorf("expected built-in pipeline %s: %v", id, err)
		}
	}

	if _, err := r.Get("nope"); err == nil {
		t.Error("expected error for unknown pipeline")
	}

	list := r.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Errorf("list not sorted: %s before %s", list[i-1].ID, list[i].ID)
		}
	}
}

func TestBuiltinGraphsValidate(t *testing.T) {
	for _, p := range NewRegistry().List() {
		if err := p.Build(Options{}).Validate(); err != nil {
			t.Errorf("pipeline %s: %v", p.ID, err)
		}
	}
}

func TestSceneDraftRevisionLoop(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"first draft",
		"the pacing drags in the middle", // critique forces one revision
		"second draft",
		"OK",
	}}
	wc := &workflow.Context{
		Generator: gen,
		OnBreakpoint: func(ctx context.Context, nodeID string, state workflow.State) (workflow.State, error) {
			return state, nil
		},
	}

	graph := SceneDraft().Build(Options{MaxRevisions: 3})
	result := workflow.NewExecutor(graph).Run(context.Background(), wc,
		workflow.State{KeyPremise: "the heist goes wrong"})

	if result.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Err)
	}
	if got := result.FinalState.String(KeyResult); got != "second draft" {
		t.Errorf("expected revised draft as result, got %q", got)
	}
	if result.FinalState.Int("revisions") != 1 {
		t.Errorf("expected 1 revision, got %d", result.FinalState.Int("revisions"))
	}

	want := []string{"gather", "draft", "critique", "draft", "critique", "review", "finalize"}
	if len(result.NodesVisited) != len(want) {
		t.Fatalf("visited %v, want %v", result.NodesVisited, want)
	}
	for i, id := range want {
		if result.NodesVisited[i] != id {
			t.Fatalf("visited %v, want %v", result.NodesVisited, want)
		}
	}
}

func TestSceneDraftRevisionBound(t *testing.T) {
	// Critique never passes; the loop must stop at MaxRevisions.
	gen := &scriptedGenerator{responses: []string{
		"draft", "bad", "draft", "bad", "draft", "bad", "draft", "bad",
	}}
	wc := &workflow.Context{Generator: gen}

	graph := SceneDraft().Build(Options{MaxRevisions: 2})
	result := workflow.NewExecutor(graph).Run(context.Background(), wc,
		workflow.State{KeyPremise: "premise"})

	if result.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Err)
	}
	if result.FinalState.Int("revisions") != 2 {
		t.Errorf("expected revisions capped at 2, got %d", result.FinalState.Int("revisions"))
	}
}

func TestSceneDraftBreakpointEdits(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"machine draft", "OK"}}
	wc := &workflow.Context{
		Generator: gen,
		OnBreakpoint: func(ctx context.Context, nodeID string, state workflow.State) (workflow.State, error) {
			if nodeID != "review" {
				t.Errorf("breakpoint at %s, want review", nodeID)
			}
			edited := state.Clone()
			edited["draft"] = "human edit"
			return edited, nil
		},
	}

	graph := SceneDraft().Build(Options{})
	result := workflow.NewExecutor(graph).Run(context.Background(), wc,
		workflow.State{KeyPremise: "premise"})

	if result.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Err)
	}
	if got := result.FinalState.String(KeyResult); got != "human edit" {
		t.Errorf("expected the human edit as result, got %q", got)
	}
}

func TestSceneDraftInjectsCanon(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"draft", "OK"}}
	wc := &workflow.Context{
		Generator: gen,
		Lore: &fakeLore{constraints: []workflow.Constraint{
			{Kind: "character", Name: "Mara", Content: "Mara never lies."},
		}},
	}

	graph := SceneDraft().Build(Options{})
	result := workflow.NewExecutor(graph).Run(context.Background(), wc,
		workflow.State{KeyPremise: "premise", KeyScopeID: "scope-1"})

	if result.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Err)
	}
	canon := result.FinalState.String("canon")
	if !strings.Contains(canon, "Mara never lies.") {
		t.Errorf("canon block missing constraint: %q", canon)
	}
}

func TestSceneDraftDegradesWithoutCollaborators(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"draft", "OK"}}
	wc := &workflow.Context{Generator: gen}

	graph := SceneDraft().Build(Options{})
	result := workflow.NewExecutor(graph).Run(context.Background(), wc,
		workflow.State{KeyPremise: "premise"})

	if result.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Err)
	}
	if canon := result.FinalState.String("canon"); !strings.Contains(canon, "no canon constraints") {
		t.Errorf("expected degraded canon block, got %q", canon)
	}
}

func TestBrainstormStopsAtTarget(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"- beat one\n- beat two\n- beat three",
		"1. beat three\n2. beat one\n3. beat two", // ranking
	}}
	wc := &workflow.Context{Generator: gen}

	graph := Brainstorm().Build(Options{BeatTarget: 3})
	result := workflow.NewExecutor(graph).Run(context.Background(), wc,
		workflow.State{KeyPremise: "premise"})

	if result.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Err)
	}
	if result.FinalState.Int("rounds") != 1 {
		t.Errorf("expected a single round, got %d", result.FinalState.Int("rounds"))
	}
	beats, _ := result.FinalState["beats"].([]string)
	if len(beats) != 3 || beats[0] != "beat three" {
		t.Errorf("unexpected ranked beats: %v", beats)
	}
}

func TestBrainstormDedupesAcrossRounds(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"- beat one\n- Beat  One\n- beat two", // dupe differs only in case/spacing
		"- beat three\n- beat four",
		"ranked",
	}}
	wc := &workflow.Context{Generator: gen}

	graph := Brainstorm().Build(Options{BeatTarget: 4})
	result := workflow.NewExecutor(graph).Run(context.Background(), wc,
		workflow.State{KeyPremise: "premise"})

	if result.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Err)
	}
	if result.FinalState.Int("rounds") != 2 {
		t.Errorf("expected 2 rounds, got %d", result.FinalState.Int("rounds"))
	}
	// The second generate prompt must carry the deduped list forward.
	if !strings.Contains(gen.calls[1], "do not repeat") {
		t.Errorf("second round prompt missing prior beats:\n%s", gen.calls[1])
	}
}

func TestDialogueRefineSkipsProseOnlyScene(t *testing.T) {
	gen := &scriptedGenerator{}
	wc := &workflow.Context{Generator: gen}

	graph := DialogueRefine().Build(Options{})
	result := workflow.NewExecutor(graph).Run(context.Background(), wc,
		workflow.State{KeySceneText: "Rain fell on the empty street.\nNobody spoke."})

	if result.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Err)
	}
	if len(gen.calls) != 0 {
		t.Errorf("expected no model calls for a scene without dialogue, got %d", len(gen.calls))
	}
	if got := result.FinalState.String(KeyResult); !strings.Contains(got, "Rain fell") {
		t.Errorf("expected scene passed through, got %q", got)
	}
}

func TestDialogueRefineRewriteLoop(t *testing.T) {
	scene := "Mara frowned.\n\"We go tonight,\" she said."
	gen := &scriptedGenerator{responses: []string{
		"Mara would never be so direct",               // first voice check fails
		"Mara frowned.\n\"Perhaps tonight,\" she said.", // rewrite
		"OK",
	}}
	wc := &workflow.Context{Generator: gen}

	graph := DialogueRefine().Build(Options{MaxRevisions: 3})
	result := workflow.NewExecutor(graph).Run(context.Background(), wc,
		workflow.State{KeySceneText: scene})

	if result.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Err)
	}
	if result.FinalState.Int("passes") != 1 {
		t.Errorf("expected 1 rewrite pass, got %d", result.FinalState.Int("passes"))
	}
	if got := result.FinalState.String(KeyResult); !strings.Contains(got, "Perhaps tonight") {
		t.Errorf("expected rewritten scene as result, got %q", got)
	}
}

func TestContinuityAuditCleanScene(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"- Mara owns a red coat", // extracted claims
		"OK",                     // canon check passes
	}}
	breakpoints := 0
	wc := &workflow.Context{
		Generator: gen,
		Lore: &fakeLore{constraints: []workflow.Constraint{
			{Kind: "character", Name: "Mara", Content: "Mara owns a red coat."},
		}},
		OnBreakpoint: func(ctx context.Context, nodeID string, state workflow.State) (workflow.State, error) {
			breakpoints++
			return state, nil
		},
	}

	graph := ContinuityAudit().Build(Options{})
	result := workflow.NewExecutor(graph).Run(context.Background(), wc,
		workflow.State{KeySceneText: "Mara pulled on her red coat."})

	if result.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Err)
	}
	if breakpoints != 0 {
		t.Errorf("clean scene must not pause, got %d breakpoints", breakpoints)
	}
	if got := result.FinalState.String("report"); !strings.Contains(got, "No contradictions") {
		t.Errorf("unexpected report: %q", got)
	}
}

func TestContinuityAuditRepairLoop(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"- Mara wears a blue coat",          // claims
		"Mara's coat is red, not blue",      // check finds a contradiction
		"Mara pulled on her red coat.",      // repair
		"OK",                                // recheck passes
	}}
	var pausedAt []string
	wc := &workflow.Context{
		Generator: gen,
		Lore: &fakeLore{constraints: []workflow.Constraint{
			{Kind: "character", Name: "Mara", Content: "Mara owns a red coat."},
		}},
		OnBreakpoint: func(ctx context.Context, nodeID string, state workflow.State) (workflow.State, error) {
			pausedAt = append(pausedAt, nodeID)
			return state, nil
		},
	}

	graph := ContinuityAudit().Build(Options{MaxRevisions: 2})
	result := workflow.NewExecutor(graph).Run(context.Background(), wc,
		workflow.State{KeySceneText: "Mara pulled on her blue coat."})

	if result.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Err)
	}
	if len(pausedAt) != 1 || pausedAt[0] != "report" {
		t.Errorf("expected one pause at report, got %v", pausedAt)
	}
	if result.FinalState.Int("repairs") != 1 {
		t.Errorf("expected 1 repair, got %d", result.FinalState.Int("repairs"))
	}
	if got := result.FinalState.String(KeyResult); !strings.Contains(got, "red coat") {
		t.Errorf("expected repaired scene as result, got %q", got)
	}
}

func TestContinuityAuditWithoutLore(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"- some claim"}}
	wc := &workflow.Context{Generator: gen}

	graph := ContinuityAudit().Build(Options{})
	result := workflow.NewExecutor(graph).Run(context.Background(), wc,
		workflow.State{KeySceneText: "Some scene."})

	if result.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", result.Status, result.Err)
	}
	if got := result.FinalState.String("report"); !strings.Contains(got, "No contradictions") {
		t.Errorf("without a knowledge store the audit must pass, got %q", got)
	}
}

func TestParseList(t *testing.T) {
	got := parseList("1. first\n- second\n\n  * third  \n")
	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("parseList returned %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("parseList returned %v, want %v", got, want)
		}
	}
}

func TestIsClean(t *testing.T) {
	for response, want := range map[string]bool{
		"OK":                 true,
		"ok":                 true,
		"OK.":                true,
		"OK\nNo issues.":     true,
		"Not OK, see below.": false,
		"The pacing drags.":  false,
	} {
		if isClean(response) != want {
			t.Errorf("isClean(%q) = %v, want %v", response, !want, want)
		}
	}
}

func TestTrimToBudget(t *testing.T) {
	text := "keep this line\n" + strings.Repeat("filler line with several words\n", 50) + "last line"

	if got := trimToBudget(text, 100000); got != text {
		t.Error("text under budget must pass through unchanged")
	}

	got := trimToBudget(text, 20)
	if !strings.HasPrefix(got, "keep this line") {
		t.Errorf("head of text must survive trimming, got %q", got)
	}
	if len(got) >= len(text) {
		t.Error("over-budget text must shrink")
	}
	if !strings.Contains(got, "trimmed to fit") {
		t.Errorf("trimmed text must carry the marker, got %q", got)
	}
}
