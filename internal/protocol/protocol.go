// Package protocol defines the event vocabulary exchanged between the
// support-chat engine and the relay. Every frame on the wire is an Envelope
// tagged with an EventKind; payloads are kept as raw JSON until the receiver
// knows which struct to decode into.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies which side of the support conversation a party is on.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleClient Role = "client"
)

// EventKind represents the type of a signaling/chat event
type EventKind string

const (
	KindPresence      EventKind = "presence"
	KindRoster        EventKind = "roster"
	KindMessage       EventKind = "message"
	KindCallOffer     EventKind = "call_offer"
	KindCallAnswer    EventKind = "call_answer"
	KindCallCandidate EventKind = "call_candidate"
	KindCallReject    EventKind = "call_reject"
	KindCallBusy      EventKind = "call_busy"
	KindCallEnd       EventKind = "call_end"
	KindError         EventKind = "error"
)

// CallKind distinguishes audio-only from audio+video calls.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// Envelope is one frame on the signaling channel.
// From/FromRole are stamped by the relay; senders never assert their own
// identity on the wire.
type Envelope struct {
	Kind     EventKind       `json:"kind"`
	From     string          `json:"from,omitempty"`
	FromRole Role            `json:"fromRole,omitempty"`
	To       string          `json:"to,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// NewEnvelope marshals payload and wraps it with the given kind and target.
func NewEnvelope(kind EventKind, to string, payload any) (*Envelope, error) {
	env := &Envelope{Kind: kind, To: to}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// PresencePayload announces the admin going online or offline.
type PresencePayload struct {
	Role   Role `json:"role"`
	Online bool `json:"online"`
}

// RosterClient is one entry in the admin's client list snapshot.
type RosterClient struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
}

// RosterPayload is the full admin-side client list, replaced wholesale on
// every delivery.
type RosterPayload struct {
	Clients []RosterClient `json:"clients"`
}

// MessagePayload carries one chat message.
type MessagePayload struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionDescription is the transport-agnostic offer/answer body. It mirrors
// the shape browsers and Pion both serialize, so either end can sit on the
// other side of the relay.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is one network-path candidate.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// OfferPayload starts a call negotiation.
type OfferPayload struct {
	Kind  CallKind           `json:"kind"`
	Offer SessionDescription `json:"offer"`
}

// AnswerPayload completes a call negotiation.
type AnswerPayload struct {
	Answer SessionDescription `json:"answer"`
}

// CandidatePayload carries one ICE candidate for an in-flight negotiation.
type CandidatePayload struct {
	Candidate ICECandidate `json:"candidate"`
}
