package proto

import "encoding/json"

// Status is a point-in-time readiness snapshot returned by the status-check
// endpoint and relayed by the poller.
type Status struct {
	Ready  bool   `json:"ready"`
	URL    string `json:"url,omitempty"`
	Stage  Stage  `json:"stage,omitempty"`
	Detail string `json:"detail,omitempty"`

	// Raw preserves the undecoded response body for diagnostics.
	Raw json.RawMessage `json:"-"`

	// Err carries a transient check failure (network, 5xx). The poller
	// attaches it instead of stopping; the consumer decides what to show.
	Err error `json:"-"`
}
