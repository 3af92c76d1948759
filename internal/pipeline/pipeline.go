// Package pipeline holds the shipped workflow graphs as configuration data
// consumed by the executor: scene drafting, beat brainstorming, dialogue
// refinement, and continuity auditing.
package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/storyloom/storyloom/internal/workflow"
)

// Shared state fields. Pipelines own their remaining fields.
const (
	KeyPremise   = "premise"    // what the caller wants written
	KeyScopeID   = "scope_id"   // canon scope the run operates in
	KeySceneText = "scene_text" // existing prose fed into refinement/audit
	KeyResult    = "result"     // final pipeline output
)

// Options tunes a pipeline build. Zero values get sensible defaults.
type Options struct {
	Model         string
	MaxTokens     int // completion cap per step
	Temperature   float64
	MaxRevisions  int // revision-loop bound (draft/dialogue/audit pipelines)
	BeatTarget    int // brainstorm: how many beats to aim for
	ContextBudget int // prompt-context token budget
}

func (o Options) withDefaults() Options {
	if o.MaxTokens == 0 {
		o.MaxTokens = 2048
	}
	if o.MaxRevisions == 0 {
		o.MaxRevisions = 3
	}
	if o.BeatTarget == 0 {
		o.BeatTarget = 10
	}
	if o.ContextBudget == 0 {
		o.ContextBudget = 6000
	}
	return o
}

// Pipeline is a named graph builder. Build returns a fresh Graph per run so
// option closures never leak between runs.
type Pipeline struct {
	ID          string
	Name        string
	Description string
	Build       func(opts Options) workflow.Graph
}

// Registry holds the available pipelines.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]Pipeline
}

// NewRegistry returns a registry with the built-in pipelines registered.
func NewRegistry() *Registry {
	r := &Registry{pipelines: make(map[string]Pipeline)}
	r.Register(SceneDraft())
	r.Register(Brainstorm())
	r.Register(DialogueRefine())
	r.Register(ContinuityAudit())
	return r
}

func (r *Registry) Register(p Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.ID] = p
}

func (r *Registry) Get(id string) (Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[id]
	if !ok {
		return Pipeline{}, fmt.Errorf("unknown pipeline: %s", id)
	}
	return p, nil
}

func (r *Registry) List() []Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}
