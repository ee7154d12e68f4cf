package engine

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mobilebarber/support-rtc/internal/protocol"
)

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	ceil := 30 * time.Second
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		attempt := i + 1
		if got := backoffDelay(base, ceil, attempt); got != w {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, w)
		}
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := NewConn(ConnConfig{URL: "ws://127.0.0.1:1", Tokens: StaticToken("t")})
	err := c.Send(protocol.KindMessage, "", protocol.MessagePayload{Text: "hi"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
}

type wsTestServer struct {
	srv      *httptest.Server
	frames   chan protocol.Envelope
	headers  chan http.Header
	upgrader websocket.Upgrader
}

// closeTrackingListener closes every accepted connection when the listener
// itself closes. httptest.Server stops tracking connections once they are
// hijacked (which websocket upgrades do), so without this srv.Close would
// leave established websockets alive and tests could never observe a drop.
type closeTrackingListener struct {
	net.Listener
	mu    sync.Mutex
	conns []net.Conn
}

func (l *closeTrackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.mu.Lock()
		l.conns = append(l.conns, c)
		l.mu.Unlock()
	}
	return c, err
}

func (l *closeTrackingListener) Close() error {
	err := l.Listener.Close()
	l.mu.Lock()
	for _, c := range l.conns {
		c.Close()
	}
	l.conns = nil
	l.mu.Unlock()
	return err
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	s := &wsTestServer{
		frames:  make(chan protocol.Envelope, 16),
		headers: make(chan http.Header, 4),
	}
	s.srv = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.headers <- r.Header.Clone():
		default:
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var env protocol.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			select {
			case s.frames <- env:
			default:
			}
		}
	}))
	s.srv.Listener = &closeTrackingListener{Listener: s.srv.Listener}
	s.srv.Start()
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsTestServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func TestConnectSendsBearerTokenAndAdminPresence(t *testing.T) {
	srv := newWSTestServer(t)

	c := NewConn(ConnConfig{
		URL:      srv.wsURL(),
		Identity: Identity{Role: protocol.RoleAdmin, ID: "admin", Name: "Sam"},
		Tokens:   StaticToken("test-token"),
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case h := <-srv.headers:
		if got := h.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no upgrade request observed")
	}

	select {
	case env := <-srv.frames:
		if env.Kind != protocol.KindPresence {
			t.Fatalf("first frame kind = %q, want presence", env.Kind)
		}
		var p protocol.PresencePayload
		if err := env.Decode(&p); err != nil {
			t.Fatal(err)
		}
		if !p.Online || p.Role != protocol.RoleAdmin {
			t.Errorf("presence payload = %+v, want admin online", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no presence frame after connect")
	}
}

func TestClientConnectSendsNoPresence(t *testing.T) {
	srv := newWSTestServer(t)

	c := NewConn(ConnConfig{
		URL:      srv.wsURL(),
		Identity: Identity{Role: protocol.RoleClient, ID: "c1", Name: "Jordan"},
		Tokens:   StaticToken("t"),
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case env := <-srv.frames:
		t.Errorf("unexpected frame %q on client connect", env.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReconnectExhaustsBudget(t *testing.T) {
	srv := newWSTestServer(t)

	c := NewConn(ConnConfig{
		URL:           srv.wsURL(),
		Identity:      Identity{Role: protocol.RoleClient, ID: "c1"},
		Tokens:        StaticToken("t"),
		ReconnectBase: time.Millisecond,
		ReconnectCap:  4 * time.Millisecond,
		MaxReconnects: 3,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	// Kill the relay; every reconnect attempt now fails.
	srv.srv.CloseClientConnections()
	srv.srv.Close()

	deadline := time.After(5 * time.Second)
	sawReconnecting := false
	for {
		select {
		case ev := <-c.Events():
			if ev.Envelope != nil {
				continue
			}
			if ev.Status == StatusReconnecting {
				sawReconnecting = true
			}
			if ev.Status == StatusErrored {
				if !sawReconnecting {
					t.Error("errored without a reconnecting phase")
				}
				var ce *ConnectionError
				if !errors.As(ev.Err, &ce) {
					t.Fatalf("terminal error = %v, want ConnectionError", ev.Err)
				}
				if ce.Attempts != 3 {
					t.Errorf("attempts = %d, want 3", ce.Attempts)
				}
				return
			}
		case <-deadline:
			t.Fatal("never reached errored status")
		}
	}
}

func TestVoluntaryCloseDoesNotReconnect(t *testing.T) {
	srv := newWSTestServer(t)

	c := NewConn(ConnConfig{
		URL:           srv.wsURL(),
		Identity:      Identity{Role: protocol.RoleClient, ID: "c1"},
		Tokens:        StaticToken("t"),
		ReconnectBase: time.Millisecond,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.Close()

	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case ev := <-c.Events():
			if ev.Envelope == nil && ev.Status == StatusReconnecting {
				t.Fatal("reconnect attempted after voluntary close")
			}
		case <-deadline:
			return
		}
	}
}
