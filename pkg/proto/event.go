package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventKind identifies the logical type of a stream event.
type EventKind string

const (
	// EventStageUpdate reports that the pipeline advanced to a named stage.
	EventStageUpdate EventKind = "stage_update"

	// EventLog carries a human-readable progress line with no stage change.
	EventLog EventKind = "log"

	// EventTunnelEstablished reports the SSH tunnel is up (legacy kind still
	// emitted by older backend workers).
	EventTunnelEstablished EventKind = "tunnel_established"

	// EventForwarderStarted reports the port forwarder is running.
	EventForwarderStarted EventKind = "forwarder_started"

	// EventDomainSetup reports domain registration has begun.
	EventDomainSetup EventKind = "domain_setup"

	// EventDomainVerified reports SSL/DNS verification succeeded.
	EventDomainVerified EventKind = "domain_verified"

	// EventSetupComplete is the terminal success event; it carries the
	// destination URL.
	EventSetupComplete EventKind = "setup_complete"

	// EventSetupFailed is the terminal failure event.
	EventSetupFailed EventKind = "setup_failed"

	// EventHeartbeat keeps the connection warm and carries no payload.
	EventHeartbeat EventKind = "heartbeat"
)

// ErrMalformedEvent indicates an incoming payload could not be decoded into
// an Event. Such payloads are reported and dropped, never fatal.
var ErrMalformedEvent = errors.New("malformed event payload")

// kindStage maps event kinds that imply a pipeline stage when the event does
// not name one explicitly. Legacy workers only send kinds.
var kindStage = map[EventKind]Stage{
	EventTunnelEstablished: StageForwarderSetup,
	EventForwarderStarted:  StageConnectivityCheck,
	EventDomainSetup:       StageDomainRegistering,
	EventDomainVerified:    StageDomainVerifying,
}

// Event is a single message delivered over the session event stream.
// Unknown kinds are legal: consumers record them without changing stage.
type Event struct {
	Kind     EventKind `json:"kind"`
	Stage    Stage     `json:"stage,omitempty"`
	Progress *int      `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	URL      string    `json:"url,omitempty"`
}

// ParseEvent decodes and validates a raw stream payload. A payload that is
// not JSON, is not an object, or has an empty kind is malformed.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(string(ev.Kind)) == "" {
		return Event{}, fmt.Errorf("%w: missing kind", ErrMalformedEvent)
	}
	if ev.Progress != nil && (*ev.Progress < 0 || *ev.Progress > 100) {
		return Event{}, fmt.Errorf("%w: progress %d out of range", ErrMalformedEvent, *ev.Progress)
	}
	return ev, nil
}

// StageHint resolves the stage implied by the event: the explicit stage field
// when present and known, otherwise the stage implied by the kind. Returns
// "" when the event carries no usable hint.
func (e Event) StageHint() Stage {
	if e.Stage != "" && e.Stage.Known() {
		return e.Stage
	}
	if s, ok := kindStage[e.Kind]; ok {
		return s
	}
	return ""
}

// TerminalSuccess reports whether the event signals provisioning completion.
func (e Event) TerminalSuccess() bool {
	return e.Kind == EventSetupComplete
}

// TerminalFailure reports whether the event signals a backend-side failure.
func (e Event) TerminalFailure() bool {
	return e.Kind == EventSetupFailed
}
