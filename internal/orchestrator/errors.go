package orchestrator

import (
	"fmt"

	"github.com/correlator-io/elspeth/internal/graph"
)

func errUnknownNode(nodeID string) error {
	return fmt.Errorf("orchestrator: unknown node %q", nodeID)
}

func errUnhandledKind(kind graph.NodeKind) error {
	return fmt.Errorf("orchestrator: no handler registered for node kind %q", kind)
}
