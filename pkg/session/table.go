package session

import "provisioner/pkg/proto"

// TransitionTable maps each stage to its legal successor stages.
type TransitionTable map[proto.Stage][]proto.Stage

// DefaultTransitions returns the pipeline transition table. Forward skips
// between intermediate stages are legal because the backend may compress
// steps; regression is not. StageError is reachable from every non-terminal
// stage via failure handling and leads back only to StageTriggering on an
// explicit retry.
func DefaultTransitions() TransitionTable {
	intermediates := []proto.Stage{
		proto.StageTunnelNegotiating,
		proto.StageForwarderSetup,
		proto.StageConnectivityCheck,
		proto.StageDomainRegistering,
		proto.StageDomainVerifying,
	}

	table := TransitionTable{
		proto.StageIdle:  {proto.StageTriggering},
		proto.StageReady: {},
		proto.StageError: {proto.StageTriggering},
	}

	// triggering and each intermediate may advance to any later
	// intermediate, to ready, or to error.
	from := append([]proto.Stage{proto.StageTriggering}, intermediates...)
	for i, f := range from {
		var successors []proto.Stage
		successors = append(successors, from[i+1:]...)
		successors = append(successors, proto.StageReady, proto.StageError)
		table[f] = successors
	}

	// idle and triggering can fail before any pipeline progress.
	table[proto.StageIdle] = append(table[proto.StageIdle], proto.StageError)

	return table
}

// Allowed reports whether the edge from→to is in the table.
func (t TransitionTable) Allowed(from, to proto.Stage) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}
