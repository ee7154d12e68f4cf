package engine

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mobilebarber/support-rtc/internal/protocol"
)

// ConnStatus is the signaling connection lifecycle state. Status transitions
// are the only mutation path; nothing outside Conn sets status directly.
type ConnStatus int

const (
	StatusDisconnected ConnStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusErrored
)

func (s ConnStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusErrored:
		return "errored"
	}
	return "unknown"
}

// ConnEvent is one item on the connection's delivery channel: either an
// inbound envelope (Envelope != nil) or a status change.
type ConnEvent struct {
	Envelope *protocol.Envelope
	Status   ConnStatus
	Err      error
}

// Signaling is the persistent bidirectional channel to the relay. Conn is the
// production implementation; engine tests substitute a fake.
type Signaling interface {
	Connect(ctx context.Context) error
	Send(kind protocol.EventKind, to string, payload any) error
	Events() <-chan ConnEvent
	Status() ConnStatus
	Close()
}

const (
	defaultReconnectBase = time.Second
	defaultReconnectCap  = 30 * time.Second
	defaultMaxReconnects = 5

	writeWait = 10 * time.Second
)

// ConnConfig configures the relay connection.
type ConnConfig struct {
	URL      string // ws:// or wss:// endpoint of the relay
	Identity Identity
	Tokens   TokenSource

	ReconnectBase time.Duration // first retry delay, doubles per attempt
	ReconnectCap  time.Duration // delay ceiling
	MaxReconnects int           // attempts before surfacing ConnectionError
}

func (c *ConnConfig) withDefaults() ConnConfig {
	out := *c
	if out.ReconnectBase <= 0 {
		out.ReconnectBase = defaultReconnectBase
	}
	if out.ReconnectCap <= 0 {
		out.ReconnectCap = defaultReconnectCap
	}
	if out.MaxReconnects <= 0 {
		out.MaxReconnects = defaultMaxReconnects
	}
	return out
}

// Conn is the WebSocket signaling connection with reconnect bookkeeping.
type Conn struct {
	cfg ConnConfig

	mu     sync.Mutex
	ws     *websocket.Conn
	status ConnStatus

	events    chan ConnEvent
	closed    chan struct{}
	closeOnce sync.Once
}

// NewConn creates an unconnected Conn.
func NewConn(cfg ConnConfig) *Conn {
	return &Conn{
		cfg:    cfg.withDefaults(),
		status: StatusDisconnected,
		events: make(chan ConnEvent, 64),
		closed: make(chan struct{}),
	}
}

// Connect establishes the channel and starts the read pump. Reconnect
// bookkeeping begins here: any later unexpected drop retries with exponential
// backoff; a voluntary Close does not.
func (c *Conn) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting, nil)
	ws, err := c.dial(ctx)
	if err != nil {
		c.setStatus(StatusDisconnected, nil)
		return fmt.Errorf("connect to relay: %w", err)
	}
	c.adopt(ws)
	go c.readPump()
	return nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.cfg.Tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch auth token: %w", err)
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("name", c.cfg.Identity.Name)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// adopt installs a freshly dialed socket and announces presence if this is
// the administrator's connection.
func (c *Conn) adopt(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.setStatus(StatusConnected, nil)

	if c.cfg.Identity.Role == protocol.RoleAdmin {
		if err := c.Send(protocol.KindPresence, "", protocol.PresencePayload{Role: protocol.RoleAdmin, Online: true}); err != nil {
			log.Printf("CONN: presence announce failed: %v", err)
		}
	}
}

// Send transmits one signaling/chat event.
func (c *Conn) Send(kind protocol.EventKind, to string, payload any) error {
	env, err := protocol.NewEnvelope(kind, to, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected || c.ws == nil {
		return ErrNotConnected
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(env)
}

// Events delivers inbound envelopes and status changes in arrival order.
func (c *Conn) Events() <-chan ConnEvent {
	return c.events
}

// Status returns the current connection status.
func (c *Conn) Status() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Close disconnects voluntarily. No reconnect occurs; the admin's offline
// presence is announced best-effort first.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		if c.cfg.Identity.Role == protocol.RoleAdmin {
			_ = c.Send(protocol.KindPresence, "", protocol.PresencePayload{Role: protocol.RoleAdmin, Online: false})
		}

		close(c.closed)
		c.mu.Lock()
		if c.ws != nil {
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.ws.Close()
		}
		c.mu.Unlock()
		c.setStatus(StatusDisconnected, nil)
	})
}

func (c *Conn) setStatus(s ConnStatus, err error) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()

	c.emit(ConnEvent{Status: s, Err: err})
}

func (c *Conn) emit(ev ConnEvent) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

func (c *Conn) voluntarilyClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// readPump reads envelopes until the socket drops, then hands off to the
// reconnect loop. It returns only on voluntary close or terminal error.
func (c *Conn) readPump() {
	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()

		for {
			var env protocol.Envelope
			if err := ws.ReadJSON(&env); err != nil {
				if c.voluntarilyClosed() {
					return
				}
				log.Printf("CONN: read failed, reconnecting: %v", err)
				ws.Close()
				break
			}
			c.emit(ConnEvent{Envelope: &env, Status: StatusConnected})
		}

		if !c.reconnect() {
			return
		}
	}
}

// reconnect retries the dial with exponential backoff, bounded at
// MaxReconnects attempts. Returns true when a new socket is live.
func (c *Conn) reconnect() bool {
	c.setStatus(StatusReconnecting, nil)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		delay := backoffDelay(c.cfg.ReconnectBase, c.cfg.ReconnectCap, attempt)
		select {
		case <-c.closed:
			return false
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		ws, err := c.dial(ctx)
		cancel()
		if err != nil {
			lastErr = err
			log.Printf("CONN: reconnect attempt %d/%d failed: %v", attempt, c.cfg.MaxReconnects, err)
			continue
		}

		log.Printf("CONN: reconnected on attempt %d", attempt)
		c.adopt(ws)
		return true
	}

	c.setStatus(StatusErrored, &ConnectionError{Attempts: c.cfg.MaxReconnects, Last: lastErr})
	return false
}

// backoffDelay doubles the base delay per attempt, capped. The schedule is
// non-decreasing: base, 2*base, 4*base, ... up to cap.
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
