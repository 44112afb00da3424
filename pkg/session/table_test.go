package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"provisioner/pkg/proto"
)

func TestDefaultTransitionsForwardOnly(t *testing.T) {
	table := DefaultTransitions()

	assert.True(t, table.Allowed(proto.StageIdle, proto.StageTriggering))
	assert.True(t, table.Allowed(proto.StageTriggering, proto.StageTunnelNegotiating))
	assert.True(t, table.Allowed(proto.StageTunnelNegotiating, proto.StageForwarderSetup))
	assert.True(t, table.Allowed(proto.StageDomainVerifying, proto.StageReady))

	// Regression is never legal.
	assert.False(t, table.Allowed(proto.StageForwarderSetup, proto.StageTunnelNegotiating))
	assert.False(t, table.Allowed(proto.StageConnectivityCheck, proto.StageTriggering))
	assert.False(t, table.Allowed(proto.StageReady, proto.StageTriggering))
}

func TestDefaultTransitionsSkipsAreLegal(t *testing.T) {
	table := DefaultTransitions()

	// A fast backend may compress steps.
	assert.True(t, table.Allowed(proto.StageTriggering, proto.StageConnectivityCheck))
	assert.True(t, table.Allowed(proto.StageTunnelNegotiating, proto.StageDomainVerifying))
	assert.True(t, table.Allowed(proto.StageTriggering, proto.StageReady))
}

func TestDefaultTransitionsErrorEdges(t *testing.T) {
	table := DefaultTransitions()

	for _, from := range []proto.Stage{
		proto.StageIdle,
		proto.StageTriggering,
		proto.StageTunnelNegotiating,
		proto.StageForwarderSetup,
		proto.StageConnectivityCheck,
		proto.StageDomainRegistering,
		proto.StageDomainVerifying,
	} {
		assert.True(t, table.Allowed(from, proto.StageError), "error should be reachable from %s", from)
	}

	// Ready is terminal; error leads only back to triggering.
	assert.False(t, table.Allowed(proto.StageReady, proto.StageError))
	assert.True(t, table.Allowed(proto.StageError, proto.StageTriggering))
	assert.False(t, table.Allowed(proto.StageError, proto.StageReady))
}

func TestAllowedUnknownStage(t *testing.T) {
	table := DefaultTransitions()
	assert.False(t, table.Allowed(proto.Stage("warp"), proto.StageReady))
	assert.False(t, table.Allowed(proto.StageIdle, proto.Stage("warp")))
}
