package engine

// The peer-to-peer media transport is a capability the engine drives, not
// something it implements. internal/rtc provides the Pion-backed production
// implementation; tests substitute fakes.

import "github.com/mobilebarber/support-rtc/internal/protocol"

// PeerState mirrors the underlying transport's connection state. Reaching
// PeerConnected is what confirms a call, not answer receipt.
type PeerState int

const (
	PeerNew PeerState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	}
	return "unknown"
}

// PeerHooks are fired by the transport as negotiation progresses. Engine-side
// hooks never touch state directly; they post events back into the dispatch
// loop.
type PeerHooks struct {
	OnCandidate   func(protocol.ICECandidate)
	OnRemoteTrack func(Track)
	OnStateChange func(PeerState)
}

// PeerConnection is one negotiated media session.
type PeerConnection interface {
	CreateOffer() (protocol.SessionDescription, error)
	CreateAnswer() (protocol.SessionDescription, error)
	SetLocalDescription(desc protocol.SessionDescription) error
	SetRemoteDescription(desc protocol.SessionDescription) error
	AddCandidate(c protocol.ICECandidate) error
	Close() error
}

// PeerFactory creates a peer connection with the local tracks already
// attached, so the first offer/answer covers them.
type PeerFactory interface {
	NewPeerConnection(hooks PeerHooks, local []Track) (PeerConnection, error)
}
