package engine

import (
	"time"

	"github.com/mobilebarber/support-rtc/internal/protocol"
)

// Event is a UI-facing notification. The engine publishes these on a buffered
// channel; a slow consumer loses events rather than stalling the dispatch
// loop.
type Event any

// ConnStatusEvent reports a signaling connection status change.
type ConnStatusEvent struct {
	Status ConnStatus
	Err    error // set when Status is StatusErrored
}

// MessageEvent reports a chat message appended to the log (sent or received).
type MessageEvent struct {
	Message ChatMessage
}

// RosterEvent reports a wholesale roster replacement (admin view).
type RosterEvent struct {
	Clients []ClientRosterEntry
}

// AdminPresenceEvent reports the admin going online or offline (client view).
type AdminPresenceEvent struct {
	Online bool
}

// IncomingCallEvent reports a new inbound offer awaiting accept/reject.
type IncomingCallEvent struct {
	From string
	Kind protocol.CallKind
}

// CallStateEvent reports a call lifecycle transition.
type CallStateEvent struct {
	State  CallState
	Kind   protocol.CallKind
	PeerID string
	Reason string
}

// CallTimeoutEvent reports that an outgoing call rang for the full answer
// window with no response. This is an informational outcome, not an error.
type CallTimeoutEvent struct {
	PeerID string
	After  time.Duration
}
