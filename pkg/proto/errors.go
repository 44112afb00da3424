package proto

import "fmt"

// ErrorKind classifies a provisioning failure.
type ErrorKind string

const (
	// ErrorTriggerRejected is a synchronous rejection of the provisioning
	// request (quota, invalid resource state). Terminal, retry-eligible.
	ErrorTriggerRejected ErrorKind = "trigger_rejected"

	// ErrorPollTimeout means readiness was not observed within the maximum
	// polling window. Terminal, retry-eligible.
	ErrorPollTimeout ErrorKind = "poll_timeout"

	// ErrorTerminal is an explicit failure reported by the backend process
	// (SSH handshake failed, SSL issuance failed). Terminal, retry-eligible.
	ErrorTerminal ErrorKind = "terminal"

	// ErrorChannelUnavailable means the live channel could not be
	// established or was lost beyond the reconnect budget. Non-fatal by
	// itself; the session degrades to polling.
	ErrorChannelUnavailable ErrorKind = "channel_unavailable"
)

// ErrorDetail is a structured provisioning error retained on the session for
// user-facing diagnostics.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`

	// URL is the last attempted destination, when one was known.
	URL string `json:"url,omitempty"`
}

func (e *ErrorDetail) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s: %s (last url: %s)", e.Kind, e.Message, e.URL)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Terminal reports whether the error ends the session attempt.
func (e *ErrorDetail) Terminal() bool {
	switch e.Kind {
	case ErrorTriggerRejected, ErrorPollTimeout, ErrorTerminal:
		return true
	default:
		return false
	}
}
