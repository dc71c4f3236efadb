package graph

import "errors"

// ErrUnsupportedTopology is returned when the network contains a structure
// the analyzer cannot group safely. Analysis aborts without partial groups.
var ErrUnsupportedTopology = errors.New("unsupported topology")

// TopologyError names the node that made analysis fail.
type TopologyError struct {
	Node   string
	Reason string
}

func (e *TopologyError) Error() string {
	return "unsupported topology at " + e.Node + ": " + e.Reason
}

func (e *TopologyError) Unwrap() error {
	return ErrUnsupportedTopology
}
