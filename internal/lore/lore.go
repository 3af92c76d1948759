// Package lore is the canon knowledge store: hierarchically scoped entities
// (characters, places, rules) that pipelines consult as constraints. Scopes
// form a tree (world → season → episode → scene); an entity attached to a
// scope applies to that scope and everything nested under it.
package lore

import (
	"strings"
	"time"
)

// Scope is a container in the canon hierarchy.
type Scope struct {
	ID        string
	ParentID  string
	Name      string
	Kind      string // "world", "season", "episode", "scene"
	CreatedAt time.Time
}

// Entity is a single canon fact.
type Entity struct {
	ID        string
	ScopeID   string
	Kind      string // "character", "place", "rule", "event", ...
	Name      string
	Content   string
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Link is a directed, named relation between two entities.
type Link struct {
	FromID   string
	ToID     string
	Relation string
}

// PromptPart renders entities as a canon-constraints block for prompt
// injection. Empty input renders nothing.
func PromptPart(entities []Entity) string {
	if len(entities) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("### Canon Constraints\n")
	sb.WriteString("These facts are established and must not be contradicted:\n")
	for _, e := range entities {
		sb.WriteString("- [")
		sb.WriteString(e.Kind)
		sb.WriteString("] ")
		sb.WriteString(e.Name)
		sb.WriteString(": ")
		sb.WriteString(e.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
