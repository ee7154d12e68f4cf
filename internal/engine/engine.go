// Package engine implements the client-side support chat and call-signaling
// engine: one persistent relay connection, chat routing between the single
// administrator and many clients, and negotiation/teardown of peer-to-peer
// audio/video calls.
//
// All engine state is owned by a single dispatch goroutine. UI intents and
// inbound signaling events are posted onto the same loop and processed
// strictly one at a time in arrival order, which is what makes the call
// invariants (at most one session, exactly-once candidate application,
// exactly-once call_end) hold without locks.
package engine

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobilebarber/support-rtc/internal/protocol"
)

const (
	defaultAnswerTimeout = 30 * time.Second
	defaultMaxMessageLen = 2000
)

// Config wires the engine to its collaborators.
type Config struct {
	RelayURL string
	Identity Identity
	Tokens   TokenSource

	Peers   PeerFactory
	Devices Devices

	Notifier Notifier     // optional
	Receipts ReadReceipts // optional

	AnswerTimeout time.Duration // default 30s
	MaxMessageLen int           // default 2000 runes

	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	MaxReconnects int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.AnswerTimeout <= 0 {
		out.AnswerTimeout = defaultAnswerTimeout
	}
	if out.MaxMessageLen <= 0 {
		out.MaxMessageLen = defaultMaxMessageLen
	}
	return out
}

type intent struct {
	fn    func() error
	reply chan error
}

// Engine is the support chat/call engine for one connected party.
type Engine struct {
	cfg      Config
	sig      Signaling
	notifier Notifier
	receipts ReadReceipts
	handlers map[protocol.EventKind]func(*protocol.Envelope)

	// State below is touched only from the dispatch loop.
	call         *CallSession
	messages     []ChatMessage
	roster       map[string]*ClientRosterEntry
	rosterOrder  []string
	focused      string
	adminOnline  bool
	chatOpen     bool
	minimized    bool
	clientUnread int

	intents   chan intent
	events    chan Event
	done      chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
}

// New creates an engine that connects to the relay at cfg.RelayURL.
func New(cfg Config) *Engine {
	c := cfg.withDefaults()
	sig := NewConn(ConnConfig{
		URL:           c.RelayURL,
		Identity:      c.Identity,
		Tokens:        c.Tokens,
		ReconnectBase: c.ReconnectBase,
		ReconnectCap:  c.ReconnectCap,
		MaxReconnects: c.MaxReconnects,
	})
	return newEngine(sig, c)
}

// newEngine attaches an engine to an existing signaling connection.
func newEngine(sig Signaling, cfg Config) *Engine {
	e := &Engine{
		cfg:      cfg.withDefaults(),
		sig:      sig,
		notifier: cfg.Notifier,
		receipts: cfg.Receipts,
		roster:   make(map[string]*ClientRosterEntry),
		intents:  make(chan intent, 16),
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
	if e.notifier == nil {
		e.notifier = noopNotifier{}
	}
	e.handlers = map[protocol.EventKind]func(*protocol.Envelope){
		protocol.KindPresence:      e.onPresence,
		protocol.KindRoster:        e.onRoster,
		protocol.KindMessage:       e.onMessage,
		protocol.KindCallOffer:     e.onCallOffer,
		protocol.KindCallAnswer:    e.onCallAnswer,
		protocol.KindCallCandidate: e.onCallCandidate,
		protocol.KindCallReject:    e.onCallReject,
		protocol.KindCallBusy:      e.onCallBusy,
		protocol.KindCallEnd:       e.onCallEnd,
	}
	return e
}

// Start connects to the relay and starts the dispatch loop. Exactly one
// loop ever runs: once started, further calls return ErrEngineStarted. A
// failed connect leaves the engine unstarted, so retrying Start is the
// external recovery path after a terminal connection failure.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrEngineStarted
	}
	if err := e.sig.Connect(ctx); err != nil {
		e.started.Store(false)
		return err
	}
	go e.run()
	return nil
}

// Close tears down the engine: any active call is cleaned up first, then the
// signaling connection is closed voluntarily (no reconnect).
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.do(func() error {
			e.cleanupCall(e.call != nil && e.call.State == CallConnected, "engine closed")
			return nil
		})
		close(e.done)
		e.sig.Close()
	})
}

// Events is the UI-facing notification stream. A full buffer drops events
// rather than stalling the dispatch loop.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// ConnStatus returns the signaling connection status.
func (e *Engine) ConnStatus() ConnStatus {
	return e.sig.Status()
}

// run is the dispatch loop; it is the only goroutine that mutates engine
// state.
func (e *Engine) run() {
	for {
		select {
		case <-e.done:
			return
		case it := <-e.intents:
			err := it.fn()
			if it.reply != nil {
				it.reply <- err
			}
		case ev, ok := <-e.sig.Events():
			if !ok {
				return
			}
			e.handleConnEvent(ev)
		}
	}
}

// do runs fn on the dispatch loop and waits for its result.
func (e *Engine) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case e.intents <- intent{fn: fn, reply: reply}:
	case <-e.done:
		return ErrEngineClosed
	}
	select {
	case err := <-reply:
		return err
	case <-e.done:
		return ErrEngineClosed
	}
}

// post schedules fn on the dispatch loop without waiting. Used by timers and
// transport callbacks, which must never block and never touch state directly.
func (e *Engine) post(fn func()) {
	select {
	case e.intents <- intent{fn: func() error { fn(); return nil }}:
	case <-e.done:
	}
}

func (e *Engine) handleConnEvent(ev ConnEvent) {
	if ev.Envelope == nil {
		e.publish(ConnStatusEvent{Status: ev.Status, Err: ev.Err})
		// A call never dangles across a transport drop. call_end cannot be
		// delivered here; the relay announces our departure instead.
		if ev.Status != StatusConnected && e.call != nil {
			e.cleanupCall(false, "signaling connection lost")
		}
		return
	}

	h, ok := e.handlers[ev.Envelope.Kind]
	if !ok {
		log.Printf("ENGINE: unexpected event kind %q, skipping", ev.Envelope.Kind)
		return
	}
	h(ev.Envelope)
}

func (e *Engine) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
		log.Printf("ENGINE: event buffer full, dropping %T", ev)
	}
}

type noopNotifier struct{}

func (noopNotifier) Play(Sound) {}
func (noopNotifier) Stop(Sound) {}
