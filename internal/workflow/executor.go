package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Status reflects the most recent run of an executor.
// idle → running → (paused ⇄ running) → completed | error | cancelled.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Executor drives state from node to node until a terminal condition. One run
// at a time per instance: overlapping Run calls on the same executor are not
// supported. Independent executors may run concurrently.
type Executor struct {
	graph Graph

	mu     sync.RWMutex
	status Status
}

// NewExecutor binds an executor to a graph. The graph is never mutated.
func NewExecutor(graph Graph) *Executor {
	return &Executor{graph: graph, status: StatusIdle}
}

// Status returns the status of the most recent run. Terminal statuses persist
// until the next Run call.
func (e *Executor) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *Executor) setStatus(s Status) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// Run executes the graph from its entry node with a copy of initial.
// Cancellation is checked before each node and after resuming from a pause;
// an in-flight step is never pre-empted, but well-behaved steps forward ctx
// into their own external calls. Errors halt the run with the last good state
// preserved in the result.
func (e *Executor) Run(ctx context.Context, wc *Context, initial State) RunResult {
	if wc == nil {
		wc = &Context{}
	}
	e.setStatus(StatusRunning)
	res := e.run(ctx, wc, initial)
	e.setStatus(res.Status)
	return res
}

func (e *Executor) run(ctx context.Context, wc *Context, initial State) (res RunResult) {
	state := initial.Clone()
	visited := make([]string, 0, len(e.graph.Nodes))

	// A panicking step or edge condition surfaces as an error result with the
	// last successfully computed state, not a crash.
	defer func() {
		if r := recover(); r != nil {
			res = RunResult{
				Status:       StatusError,
				FinalState:   state,
				NodesVisited: visited,
				Err:          fmt.Sprintf("panic: %v", r),
			}
		}
	}()

	current := e.graph.EntryNode
	maxIter := e.graph.maxIterations()

	for iterations := 0; current != "" && iterations < maxIter; iterations++ {
		if ctx.Err() != nil {
			log.Debug().Str("graph", e.graph.ID).Str("node", current).Msg("run cancelled")
			return RunResult{Status: StatusCancelled, FinalState: state, NodesVisited: visited}
		}

		node, ok := e.graph.node(current)
		if !ok {
			var err error
			if len(visited) == 0 {
				// Entry node absent from the node set: configuration error.
				err = &ConfigError{Graph: e.graph.ID, Node: current}
			} else {
				err = fmt.Errorf("%w: %s", ErrNodeNotFound, current)
			}
			return RunResult{Status: StatusError, FinalState: state, NodesVisited: visited, Err: err.Error()}
		}

		// Append, not set-insert: a node revisited in a cycle appears each time.
		visited = append(visited, current)

		log.Debug().Str("graph", e.graph.ID).Str("node", current).Msg("executing node")
		stepRes, err := node.Step(ctx, wc, state)
		if err != nil {
			return RunResult{
				Status:       StatusError,
				FinalState:   state,
				NodesVisited: visited,
				Err:          fmt.Sprintf("node %s: %v", current, err),
			}
		}
		state = stepRes.state
		if state == nil {
			state = State{}
		}

		if wc.OnProgress != nil {
			go func(id string, snap State) {
				defer func() { _ = recover() }()
				wc.OnProgress(id, snap)
			}(current, state.Clone())
		}

		paused := stepRes.pause
		if state.Bool(PauseKey) {
			paused = true
			delete(state, PauseKey)
		}

		if paused {
			e.setStatus(StatusPaused)
			log.Info().Str("graph", e.graph.ID).Str("node", current).Msg("run paused for review")
			if wc.OnBreakpoint != nil {
				resumed, err := wc.OnBreakpoint(ctx, current, state)
				if err != nil {
					return RunResult{
						Status:       StatusError,
						FinalState:   state,
						NodesVisited: visited,
						Err:          fmt.Sprintf("breakpoint at %s: %v", current, err),
					}
				}
				// The resume value fully replaces the pre-pause state.
				state = resumed
				if state == nil {
					state = State{}
				}
			}
			e.setStatus(StatusRunning)
			if ctx.Err() != nil {
				return RunResult{Status: StatusCancelled, FinalState: state, NodesVisited: visited}
			}
		}

		current = e.resolveNext(current, state)
	}

	if current != "" {
		return RunResult{
			Status:       StatusError,
			FinalState:   state,
			NodesVisited: visited,
			Err:          fmt.Sprintf("%v after %d iterations", ErrMaxIterations, maxIter),
		}
	}

	log.Debug().Str("graph", e.graph.ID).Int("nodes", len(visited)).Msg("run completed")
	return RunResult{Status: StatusCompleted, FinalState: state, NodesVisited: visited}
}

// resolveNext picks the outgoing edge for a node. Conditioned edges are
// scanned in declaration order and the first match wins; when none match, the
// first unconditioned edge is the fallback. No edges, or no match and no
// fallback, terminates the run. Mutually exclusive conditions must be ordered
// deliberately by pipeline authors.
func (e *Executor) resolveNext(from string, state State) string {
	fallback := ""
	haveFallback := false
	for _, edge := range e.graph.Edges {
		if edge.From != from {
			continue
		}
		if edge.Condition != nil {
			if edge.Condition(state) {
				return edge.To
			}
			continue
		}
		if !haveFallback {
			fallback = edge.To
			haveFallback = true
		}
	}
	return fallback
}
