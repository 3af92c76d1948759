package workflow

import (
	"errors"
	"fmt"
)

// ErrNodeNotFound marks a traversed edge pointing at an id absent from the
// node set. Fatal; not retried.
var ErrNodeNotFound = errors.New("node not found")

// ErrMaxIterations marks a run that did not converge within the graph's
// iteration bound.
var ErrMaxIterations = errors.New("max iterations exceeded")

// ConfigError is a fatal graph configuration problem, e.g. an entry node
// missing from the node set.
type ConfigError struct {
	Graph string
	Node  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("graph %s: node %q missing from node set", e.Graph, e.Node)
}
