package workflow

import "context"

// PauseKey is the reserved state field a step may set to request a pause.
// Steps that can, should prefer returning Pause(state) instead; the marker is
// kept for pipelines that signal through data.
const PauseKey = "__pause__"

// DefaultMaxIterations bounds a run when the graph does not set its own limit.
const DefaultMaxIterations = 50

// State is the key/value record carried between nodes. Nodes receive the
// current value and return a new one; they must not mutate a snapshot after
// returning it.
type State map[string]any

// Clone returns a shallow copy of the state. Values are shared, so steps that
// replace a field must assign a fresh value rather than edit the old one.
func (s State) Clone() State {
	c := make(State, len(s))
	for k, v := range s {
		c[k] = v
	}
	return c
}

// String returns the string value for key, or "" if absent or not a string.
func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Int returns the int value for key, or 0 if absent or not an int.
func (s State) Int(key string) int {
	v, _ := s[key].(int)
	return v
}

// Bool reports whether key is present and truthy.
func (s State) Bool(key string) bool {
	switch v := s[key].(type) {
	case bool:
		return v
	case string:
		return v != ""
	case nil:
		return false
	default:
		return true
	}
}

// StepResult is the tagged outcome of a step: either Continue(state) or
// Pause(state). Pausing hands the state to the breakpoint handler before the
// run advances.
type StepResult struct {
	state State
	pause bool
}

// Continue resumes the run with the given state.
func Continue(s State) StepResult { return StepResult{state: s} }

// Pause requests a breakpoint after this step, with the given state.
func Pause(s State) StepResult { return StepResult{state: s, pause: true} }

// StepFunc is a unit of work transforming workflow state. All side effects on
// external collaborators happen here; the executor treats it as opaque.
type StepFunc func(ctx context.Context, wc *Context, state State) (StepResult, error)

// Node is a named step in a graph. IDs are unique within a graph.
type Node struct {
	ID   string
	Name string
	Step StepFunc
}

// Edge is a directed transition between two nodes. A nil Condition makes the
// edge the fallback transition for its source node. Targets are validated only
// when the edge is taken.
type Edge struct {
	From      string
	To        string
	Condition func(State) bool
}

// Graph is an immutable workflow description. Cycles are permitted and
// expected (revision loops); MaxIterations bounds them.
type Graph struct {
	ID            string
	Name          string
	EntryNode     string
	Nodes         []Node
	Edges         []Edge
	MaxIterations int
}

// Validate eagerly checks that the entry node exists and that every edge
// references known nodes. The executor never calls this: edge targets stay
// lazily validated so partially specified graphs still run. Callers that want
// strict graphs can opt in.
func (g Graph) Validate() error {
	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = true
	}
	if !ids[g.EntryNode] {
		return &ConfigError{Graph: g.ID, Node: g.EntryNode}
	}
	for _, e := range g.Edges {
		if !ids[e.From] {
			return &ConfigError{Graph: g.ID, Node: e.From}
		}
		if !ids[e.To] {
			return &ConfigError{Graph: g.ID, Node: e.To}
		}
	}
	return nil
}

// node resolves an id against the node set.
func (g Graph) node(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// maxIterations returns the configured bound, defaulting when unset.
func (g Graph) maxIterations() int {
	if g.MaxIterations >= 1 {
		return g.MaxIterations
	}
	return DefaultMaxIterations
}

// Message is a single chat turn sent to the text-generation collaborator.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// CompleteOptions tunes a completion request.
type CompleteOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Completion is the text-generation result.
type Completion struct {
	Content      string
	FinishReason string
}

// Generator is the text-generation contract steps call through the context.
// Implementations must honor ctx cancellation.
type Generator interface {
	Complete(ctx context.Context, messages []Message, opts CompleteOptions) (*Completion, error)
}

// Constraint is a canon fact returned by the knowledge-store collaborator.
type Constraint struct {
	ID      string
	Kind    string
	Name    string
	Content string
}

// LoreReader is the knowledge-store contract. Both queries are read-only; the
// scope walk gathers canon constraints from a scope up through its ancestors.
type LoreReader interface {
	ConstraintsFor(ctx context.Context, scopeID string, kinds ...string) ([]Constraint, error)
	Lookup(ctx context.Context, query string, limit int) ([]Constraint, error)
}

// Snippet is a ranked retrieval result.
type Snippet struct {
	ID      string
	Content string
	Score   float64
}

// Retriever is the retrieval contract.
type Retriever interface {
	Search(ctx context.Context, query string, maxResults int) ([]Snippet, error)
}

// Context bundles the external collaborators and run-scoped callbacks shared
// read-only across all node invocations in one run. Lore and Retriever are
// optional; steps degrade gracefully when they are nil.
type Context struct {
	Generator Generator
	Lore      LoreReader
	Retriever Retriever

	// OnProgress, if set, is invoked after each step with the node id and a
	// snapshot of the state. Fire-and-forget: it cannot block or abort the run.
	OnProgress func(nodeID string, state State)

	// OnBreakpoint, if set, handles pauses. The returned state fully replaces
	// the pre-pause state; the executor does not merge. May take arbitrarily
	// long (human in the loop).
	OnBreakpoint func(ctx context.Context, nodeID string, state State) (State, error)
}

// RunResult is the record returned by a run.
type RunResult struct {
	Status       Status
	FinalState   State
	NodesVisited []string
	Err          string
}
