// Package proto defines the shared types exchanged between the provisioning
// backend and the session controller: pipeline stages, stream events, status
// snapshots, and the error taxonomy.
package proto

// Stage represents a named step of the provisioning pipeline.
type Stage string

const (
	// StageIdle is the initial stage before provisioning has been requested.
	StageIdle Stage = "idle"

	// StageTriggering means the provisioning request has been issued and the
	// backend has not yet reported progress.
	StageTriggering Stage = "triggering"

	// StageTunnelNegotiating means the SSH tunnel to the compute node is
	// being negotiated.
	StageTunnelNegotiating Stage = "tunnel_negotiating"

	// StageForwarderSetup means the port forwarder is being configured.
	StageForwarderSetup Stage = "forwarder_setup"

	// StageConnectivityCheck means end-to-end connectivity is being verified.
	StageConnectivityCheck Stage = "connectivity_check"

	// StageDomainRegistering means the public domain is being registered.
	StageDomainRegistering Stage = "domain_registering"

	// StageDomainVerifying means SSL issuance and DNS propagation are being
	// confirmed.
	StageDomainVerifying Stage = "domain_verifying"

	// StageReady is the terminal success stage.
	StageReady Stage = "ready"

	// StageError is the terminal failure stage, reachable from any
	// non-terminal stage.
	StageError Stage = "error"
)

// stageOrder assigns each pipeline stage its position on the happy path.
// StageError is deliberately absent: it is reached through failure handling,
// never through ordered advancement.
var stageOrder = map[Stage]int{
	StageIdle:              0,
	StageTriggering:        1,
	StageTunnelNegotiating: 2,
	StageForwarderSetup:    3,
	StageConnectivityCheck: 4,
	StageDomainRegistering: 5,
	StageDomainVerifying:   6,
	StageReady:             7,
}

// progressFloor maps each stage to the minimum progress value it implies.
// Used when an incoming event names a stage without a numeric progress.
var progressFloor = map[Stage]int{
	StageIdle:              0,
	StageTriggering:        5,
	StageTunnelNegotiating: 20,
	StageForwarderSetup:    40,
	StageConnectivityCheck: 55,
	StageDomainRegistering: 70,
	StageDomainVerifying:   85,
	StageReady:             100,
	StageError:             0,
}

func (s Stage) String() string {
	return string(s)
}

// Known reports whether s is one of the defined pipeline stages.
func (s Stage) Known() bool {
	if s == StageError {
		return true
	}
	_, ok := stageOrder[s]
	return ok
}

// Terminal reports whether s is a terminal stage (ready or error).
func (s Stage) Terminal() bool {
	return s == StageReady || s == StageError
}

// Order returns the position of s on the happy path, or -1 for StageError
// and unknown stages.
func (s Stage) Order() int {
	if n, ok := stageOrder[s]; ok {
		return n
	}
	return -1
}

// After reports whether s comes strictly later than other on the happy path.
// Returns false when either stage has no defined ordering.
func (s Stage) After(other Stage) bool {
	a, okA := stageOrder[s]
	b, okB := stageOrder[other]
	return okA && okB && a > b
}

// ProgressFloor returns the minimum progress value implied by s.
func (s Stage) ProgressFloor() int {
	return progressFloor[s]
}
