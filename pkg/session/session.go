// Package session implements the provisioning session controller: the
// authoritative state machine coordinating the live event channel and the
// readiness poller, with an at-most-once guarantee on the destination action.
package session

import (
	"time"

	"provisioner/pkg/proto"
)

// maxMessages bounds the in-memory message history; older lines are dropped.
const maxMessages = 500

// Message is one timestamped human-readable log line for display.
type Message struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Session is the mutable record for one provisioning attempt. It is owned
// exclusively by the Machine; collaborators report observations upward and
// never touch it directly.
type Session struct {
	ID         string
	Generation uint64
	AttemptID  string

	Stage    proto.Stage
	Progress int
	Messages []Message

	// ReadyURL is set exactly once per attempt; TabOpened flips false→true
	// at most once and is the guard against duplicate destination actions.
	ReadyURL  string
	TabOpened bool

	Err *proto.ErrorDetail

	StartedAt time.Time
}

// Snapshot is an immutable copy of session state handed to observers.
type Snapshot struct {
	// Seq orders snapshots across attempts: it increases with every state
	// change, so observers receiving callbacks from multiple goroutines can
	// drop a snapshot whose Seq is not greater than the last one seen.
	Seq uint64

	SessionID  string
	Generation uint64
	AttemptID  string

	Stage    proto.Stage
	Progress int
	Messages []Message

	ReadyURL  string
	TabOpened bool

	Err *proto.ErrorDetail

	// ChannelActive reports whether the live event channel is currently
	// believed healthy; false means the session is running on polling.
	ChannelActive bool
}

func (s *Session) appendMessage(text string) {
	if text == "" {
		return
	}
	s.Messages = append(s.Messages, Message{Time: time.Now().UTC(), Text: text})
	if len(s.Messages) > maxMessages {
		s.Messages = s.Messages[len(s.Messages)-maxMessages:]
	}
}
