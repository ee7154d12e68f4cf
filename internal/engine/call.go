package engine

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mobilebarber/support-rtc/internal/protocol"
)

// CallState is the call lifecycle state. At most one session is ever not
// Idle; the session is destroyed on every transition back to Idle.
type CallState int

const (
	CallIdle CallState = iota
	CallOutgoing
	CallIncoming
	CallConnected
	CallEnding
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallOutgoing:
		return "outgoing"
	case CallIncoming:
		return "incoming"
	case CallConnected:
		return "connected"
	case CallEnding:
		return "ending"
	}
	return "unknown"
}

// CallDirection records which side initiated the session.
type CallDirection int

const (
	DirectionOutgoing CallDirection = iota
	DirectionIncoming
)

// CallSession is one call negotiation attempt. Its media streams are owned
// exclusively by the session and released on any exit transition.
type CallSession struct {
	ID        string
	Direction CallDirection
	Kind      protocol.CallKind
	PeerID    string
	State     CallState

	StartedAt   time.Time
	ConnectedAt time.Time

	pc            PeerConnection
	media         *MediaSession
	pending       candidateQueue
	remoteDescSet bool
	offer         protocol.SessionDescription // inbound offer, until accepted
	answerTimer   *time.Timer
	endSent       bool
}

// CallInfo is the observable call state for rendering.
type CallInfo struct {
	State    CallState
	Kind     protocol.CallKind
	PeerID   string
	Duration time.Duration
}

// InitiateCall starts an outgoing call of the given kind. The admin must
// have a client selected; either side must be connected to the relay.
func (e *Engine) InitiateCall(kind protocol.CallKind) error {
	return e.do(func() error {
		if e.sig.Status() != StatusConnected {
			return ErrNotConnected
		}
		if e.call != nil {
			return ErrCallInProgress
		}
		peerID := e.callPartner()
		if peerID == "" {
			return ErrNoPeerSelected
		}

		media, err := acquireMedia(e.cfg.Devices, kind)
		if err != nil {
			return err
		}

		sess := &CallSession{
			ID:        uuid.New().String(),
			Direction: DirectionOutgoing,
			// A video request can degrade to audio when no camera exists;
			// the offer advertises what was actually captured.
			Kind:      media.EffectiveKind,
			PeerID:    peerID,
			StartedAt: time.Now(),
			media:     media,
		}

		pc, err := e.cfg.Peers.NewPeerConnection(e.peerHooks(sess.ID), media.LocalTracks())
		if err != nil {
			media.Release()
			return fmt.Errorf("create peer connection: %w", err)
		}
		sess.pc = pc

		offer, err := pc.CreateOffer()
		if err == nil {
			err = pc.SetLocalDescription(offer)
		}
		if err != nil {
			pc.Close()
			media.Release()
			return fmt.Errorf("create offer: %w", err)
		}

		sess.State = CallOutgoing
		e.call = sess

		if err := e.sig.Send(protocol.KindCallOffer, peerID, protocol.OfferPayload{Kind: sess.Kind, Offer: offer}); err != nil {
			e.cleanupCall(false, "offer transmission failed")
			return err
		}

		sess.answerTimer = time.AfterFunc(e.cfg.AnswerTimeout, func() {
			e.post(func() { e.onAnswerTimeout(sess.ID) })
		})

		log.Printf("CALL [%s]: %s offer sent to %s", sess.ID, sess.Kind, peerID)
		e.publish(CallStateEvent{State: CallOutgoing, Kind: sess.Kind, PeerID: peerID})
		return nil
	})
}

// AcceptCall answers the ringing incoming call: acquires media matching the
// offer's kind, applies the remote description, drains queued candidates and
// transmits the answer.
func (e *Engine) AcceptCall() error {
	return e.do(func() error {
		sess := e.call
		if sess == nil || sess.State != CallIncoming {
			return ErrNoIncomingCall
		}
		e.notifier.Stop(SoundRingtone)

		media, err := acquireMedia(e.cfg.Devices, sess.Kind)
		if err != nil {
			// The caller would otherwise ring until timeout.
			e.sendBestEffort(protocol.KindCallReject, sess.PeerID, nil)
			e.cleanupCall(false, "media acquisition failed")
			return err
		}
		sess.media = media

		pc, err := e.cfg.Peers.NewPeerConnection(e.peerHooks(sess.ID), media.LocalTracks())
		if err == nil {
			sess.pc = pc
			err = pc.SetRemoteDescription(sess.offer)
		}
		if err != nil {
			e.sendBestEffort(protocol.KindCallReject, sess.PeerID, nil)
			e.cleanupCall(false, "accept failed")
			return fmt.Errorf("accept call: %w", err)
		}
		sess.remoteDescSet = true
		e.drainPending(sess)

		answer, err := pc.CreateAnswer()
		if err == nil {
			err = pc.SetLocalDescription(answer)
		}
		if err != nil {
			e.cleanupCall(false, "answer creation failed")
			return fmt.Errorf("create answer: %w", err)
		}

		if err := e.sig.Send(protocol.KindCallAnswer, sess.PeerID, protocol.AnswerPayload{Answer: answer}); err != nil {
			e.cleanupCall(false, "answer transmission failed")
			return err
		}

		sess.State = CallConnected
		log.Printf("CALL [%s]: accepted from %s (%s capture)", sess.ID, sess.PeerID, media.EffectiveKind)
		e.publish(CallStateEvent{State: CallConnected, Kind: sess.Kind, PeerID: sess.PeerID})
		return nil
	})
}

// RejectCall declines the ringing incoming call.
func (e *Engine) RejectCall() error {
	return e.do(func() error {
		sess := e.call
		if sess == nil || sess.State != CallIncoming {
			return ErrNoIncomingCall
		}
		e.rejectIncoming(sess)
		return nil
	})
}

func (e *Engine) rejectIncoming(sess *CallSession) {
	e.notifier.Stop(SoundRingtone)
	e.sendBestEffort(protocol.KindCallReject, sess.PeerID, nil)
	e.cleanupCall(false, "rejected locally")
}

// HangUp ends the current call. Invoking it while Idle is a no-op: no
// duplicate call_end, no error.
func (e *Engine) HangUp() error {
	return e.do(func() error {
		sess := e.call
		if sess == nil {
			return nil
		}
		if sess.State == CallIncoming {
			e.rejectIncoming(sess)
			return nil
		}
		e.cleanupCall(true, "hung up locally")
		return nil
	})
}

// SetMuted toggles the local track of the given kind without renegotiation.
func (e *Engine) SetMuted(kind MediaKind, muted bool) error {
	return e.do(func() error {
		if e.call == nil || e.call.media == nil {
			return ErrNoActiveCall
		}
		return e.call.media.SetMuted(kind, muted)
	})
}

// CallInfo returns the observable call state. Duration runs from the moment
// the transport confirmed connectivity.
func (e *Engine) CallInfo() CallInfo {
	var info CallInfo
	e.do(func() error {
		if e.call == nil {
			info = CallInfo{State: CallIdle}
			return nil
		}
		info = CallInfo{State: e.call.State, Kind: e.call.Kind, PeerID: e.call.PeerID}
		if !e.call.ConnectedAt.IsZero() {
			info.Duration = time.Since(e.call.ConnectedAt)
		}
		return nil
	})
	return info
}

// callPartner resolves who a new call goes to: the admin calls the selected
// client, a client always calls the admin.
func (e *Engine) callPartner() string {
	if e.cfg.Identity.Role == protocol.RoleAdmin {
		return e.focused
	}
	return adminPeerID
}

// peerHooks bridges transport callbacks into the dispatch loop. Each hook is
// tagged with the session ID so events from a torn-down peer connection are
// ignored.
func (e *Engine) peerHooks(sessID string) PeerHooks {
	return PeerHooks{
		OnCandidate: func(c protocol.ICECandidate) {
			e.post(func() { e.sendLocalCandidate(sessID, c) })
		},
		OnRemoteTrack: func(t Track) {
			e.post(func() {
				if e.call == nil || e.call.ID != sessID || e.call.media == nil {
					t.Stop()
					return
				}
				e.call.media.BindRemote(t)
			})
		},
		OnStateChange: func(s PeerState) {
			e.post(func() { e.onPeerState(sessID, s) })
		},
	}
}

func (e *Engine) sendLocalCandidate(sessID string, c protocol.ICECandidate) {
	if e.call == nil || e.call.ID != sessID {
		return
	}
	if err := e.sig.Send(protocol.KindCallCandidate, e.call.PeerID, protocol.CandidatePayload{Candidate: c}); err != nil {
		log.Printf("CALL [%s]: candidate send failed: %v", sessID, err)
	}
}

// onCallOffer handles an inbound offer. While any session exists the offer
// is answered with busy and discarded; otherwise the engine transitions to
// Incoming with the peer taken from the offer.
func (e *Engine) onCallOffer(env *protocol.Envelope) {
	if e.call != nil {
		log.Printf("CALL: busy, discarding offer from %s", env.From)
		e.sendBestEffort(protocol.KindCallBusy, env.From, nil)
		return
	}

	var p protocol.OfferPayload
	if err := env.Decode(&p); err != nil {
		log.Printf("CALL: malformed offer from %s: %v", env.From, err)
		return
	}

	sess := &CallSession{
		ID:        uuid.New().String(),
		Direction: DirectionIncoming,
		Kind:      p.Kind,
		PeerID:    env.From,
		State:     CallIncoming,
		StartedAt: time.Now(),
		offer:     p.Offer,
	}
	e.call = sess

	e.notifier.Play(SoundRingtone)
	log.Printf("CALL [%s]: incoming %s call from %s", sess.ID, p.Kind, env.From)
	e.publish(IncomingCallEvent{From: env.From, Kind: p.Kind})
	e.publish(CallStateEvent{State: CallIncoming, Kind: p.Kind, PeerID: env.From})
}

// onCallAnswer applies the remote answer. Connectivity is confirmed by the
// transport, not by answer receipt.
func (e *Engine) onCallAnswer(env *protocol.Envelope) {
	sess := e.call
	if sess == nil || sess.State != CallOutgoing || env.From != sess.PeerID {
		log.Printf("CALL: unexpected answer from %s, ignoring", env.From)
		return
	}

	var p protocol.AnswerPayload
	if err := env.Decode(&p); err != nil {
		log.Printf("CALL [%s]: malformed answer: %v", sess.ID, err)
		return
	}
	if err := sess.pc.SetRemoteDescription(p.Answer); err != nil {
		log.Printf("CALL [%s]: apply answer failed: %v", sess.ID, err)
		return
	}
	sess.remoteDescSet = true
	e.drainPending(sess)
}

// onCallCandidate queues or applies one inbound candidate depending on
// whether the remote description is set yet.
func (e *Engine) onCallCandidate(env *protocol.Envelope) {
	sess := e.call
	if sess == nil || env.From != sess.PeerID {
		log.Printf("CALL: stray candidate from %s, ignoring", env.From)
		return
	}

	var p protocol.CandidatePayload
	if err := env.Decode(&p); err != nil {
		log.Printf("CALL [%s]: malformed candidate: %v", sess.ID, err)
		return
	}

	if !sess.remoteDescSet {
		sess.pending.push(p.Candidate)
		return
	}
	if err := sess.pc.AddCandidate(p.Candidate); err != nil {
		log.Printf("CALL [%s]: candidate apply failed, skipping: %v", sess.ID, err)
	}
}

func (e *Engine) drainPending(sess *CallSession) {
	n := sess.pending.len()
	sess.pending.drain(sess.pc.AddCandidate, func(c protocol.ICECandidate, err error) {
		log.Printf("CALL [%s]: queued candidate apply failed, skipping: %v", sess.ID, err)
	})
	if n > 0 {
		log.Printf("CALL [%s]: drained %d queued candidates", sess.ID, n)
	}
}

func (e *Engine) onCallReject(env *protocol.Envelope) {
	e.outgoingDeclined(env.From, "rejected by peer")
}

func (e *Engine) onCallBusy(env *protocol.Envelope) {
	e.outgoingDeclined(env.From, "peer is busy")
}

func (e *Engine) outgoingDeclined(from, reason string) {
	sess := e.call
	if sess == nil || sess.State != CallOutgoing || from != sess.PeerID {
		log.Printf("CALL: stray decline from %s, ignoring", from)
		return
	}
	e.cleanupCall(false, reason)
}

// onCallEnd tears down the current call. Receiving call_end while Idle
// produces no outbound event and no state change.
func (e *Engine) onCallEnd(env *protocol.Envelope) {
	sess := e.call
	if sess == nil {
		return
	}
	if env.From != sess.PeerID {
		log.Printf("CALL: stray end from %s, ignoring", env.From)
		return
	}
	e.cleanupCall(sess.State == CallConnected, "ended by peer")
}

func (e *Engine) onAnswerTimeout(sessID string) {
	sess := e.call
	if sess == nil || sess.ID != sessID || sess.State != CallOutgoing {
		return
	}
	log.Printf("CALL [%s]: no answer after %s", sessID, e.cfg.AnswerTimeout)
	e.publish(CallTimeoutEvent{PeerID: sess.PeerID, After: e.cfg.AnswerTimeout})
	e.cleanupCall(false, "no answer")
}

// onPeerState reacts to transport connectivity reports for the current
// session. Stale session IDs are ignored.
func (e *Engine) onPeerState(sessID string, s PeerState) {
	sess := e.call
	if sess == nil || sess.ID != sessID {
		return
	}

	switch s {
	case PeerConnected:
		if sess.ConnectedAt.IsZero() {
			sess.ConnectedAt = time.Now()
		}
		if sess.answerTimer != nil {
			sess.answerTimer.Stop()
			sess.answerTimer = nil
		}
		if sess.State == CallOutgoing {
			sess.State = CallConnected
			log.Printf("CALL [%s]: transport connected", sessID)
			e.publish(CallStateEvent{State: CallConnected, Kind: sess.Kind, PeerID: sess.PeerID})
		}
	case PeerDisconnected, PeerFailed, PeerClosed:
		e.cleanupCall(sess.State == CallConnected, "transport "+s.String())
	}
}

// cleanupCall is the single terminal path out of any non-Idle state: cancel
// the answer timer, release media, close the peer connection, clear pending
// candidates, and transmit call_end to the peer exactly once when asked to.
func (e *Engine) cleanupCall(sendEnd bool, reason string) {
	sess := e.call
	if sess == nil {
		return
	}
	sess.State = CallEnding

	if sess.answerTimer != nil {
		sess.answerTimer.Stop()
		sess.answerTimer = nil
	}
	e.notifier.Stop(SoundRingtone)

	if sendEnd && !sess.endSent {
		sess.endSent = true
		e.sendBestEffort(protocol.KindCallEnd, sess.PeerID, nil)
	}

	sess.media.Release()
	if sess.pc != nil {
		if err := sess.pc.Close(); err != nil {
			log.Printf("CALL [%s]: peer connection close: %v", sess.ID, err)
		}
	}
	sess.pending.items = nil
	e.call = nil

	log.Printf("CALL [%s]: ended (%s)", sess.ID, reason)
	e.publish(CallStateEvent{State: CallIdle, Kind: sess.Kind, PeerID: sess.PeerID, Reason: reason})
}

func (e *Engine) sendBestEffort(kind protocol.EventKind, to string, payload any) {
	if err := e.sig.Send(kind, to, payload); err != nil {
		log.Printf("CALL: %s send failed: %v", kind, err)
	}
}
