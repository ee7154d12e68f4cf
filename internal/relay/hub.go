// Package relay implements the signaling relay the support engine connects
// to: one administrator, many clients, chat and call events routed between
// them over WebSocket.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mobilebarber/support-rtc/internal/middleware"
	"github.com/mobilebarber/support-rtc/internal/protocol"
	"github.com/mobilebarber/support-rtc/internal/redis"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameBytes  = 64 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub connects the single administrator with all currently connected
// clients and routes envelopes between them.
type Hub struct {
	jwtSecret string
	store     *redis.Store // optional; nil disables persistence

	mu      sync.RWMutex
	admin   *party
	clients map[string]*party
}

// party is one WebSocket connection, admin or client.
type party struct {
	id   string
	name string
	role protocol.Role
	conn *websocket.Conn

	// mu guards send against enqueues racing shutdown: routing snapshots a
	// party under the hub lock but enqueues after releasing it, which can
	// interleave with the same identity reconnecting.
	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// NewHub creates an empty hub. store may be nil.
func NewHub(jwtSecret string, store *redis.Store) *Hub {
	return &Hub{
		jwtSecret: jwtSecret,
		store:     store,
		clients:   make(map[string]*party),
	}
}

// HandleWS upgrades the support WebSocket. The bearer token is taken from
// the Authorization header, or from the token query parameter for browsers
// that cannot set WebSocket headers.
func (h *Hub) HandleWS(c *gin.Context) {
	tokenString := bearerToken(c)
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token is required"})
		return
	}
	claims, err := middleware.ParseToken(tokenString, h.jwtSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	name := c.Query("name")
	if name == "" {
		name = claims.Name
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	p := &party{
		id:   claims.UserID,
		name: name,
		role: claims.Role,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}

	h.register(p)

	go p.writePump()
	go h.readPump(p)
}

func bearerToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func (h *Hub) register(p *party) {
	var superseded *party
	h.mu.Lock()
	if p.role == protocol.RoleAdmin {
		// A newer admin session supersedes the old one.
		superseded = h.admin
		h.admin = p
	} else {
		superseded = h.clients[p.id]
		h.clients[p.id] = p
	}
	h.mu.Unlock()

	if superseded != nil {
		superseded.shutdown()
	}

	log.Printf("RELAY: %s %s (%q) connected", p.role, p.id, p.name)
	h.persistPresence(p.id, true)

	h.sendRoster()

	if p.role == protocol.RoleClient {
		// Tell the newcomer whether the admin is reachable right now.
		h.mu.RLock()
		online := h.admin != nil
		h.mu.RUnlock()
		h.deliver(p, &protocol.Envelope{Kind: protocol.KindPresence}, protocol.PresencePayload{Role: protocol.RoleAdmin, Online: online})
	}
}

func (h *Hub) unregister(p *party) {
	h.mu.Lock()
	removed := false
	wasAdmin := false
	if p.role == protocol.RoleAdmin {
		if h.admin == p {
			h.admin = nil
			removed = true
			wasAdmin = true
		}
	} else if h.clients[p.id] == p {
		delete(h.clients, p.id)
		removed = true
	}
	h.mu.Unlock()

	// A superseded connection was already replaced; its teardown must not
	// disturb the successor's presence or roster.
	if !removed {
		return
	}

	log.Printf("RELAY: %s %s disconnected", p.role, p.id)
	h.persistPresence(p.id, false)

	if wasAdmin {
		// The admin engine cannot announce offline after an abrupt drop,
		// so the relay does it on its behalf.
		h.broadcastToClients(&protocol.Envelope{Kind: protocol.KindPresence, From: p.id, FromRole: protocol.RoleAdmin},
			protocol.PresencePayload{Role: protocol.RoleAdmin, Online: false})
	} else {
		h.sendRoster()
	}
}

// readPump reads envelopes from one party and routes them until the
// connection drops.
func (h *Hub) readPump(p *party) {
	defer func() {
		h.unregister(p)
		p.shutdown()
	}()

	p.conn.SetReadLimit(maxFrameBytes)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("RELAY: read error from %s: %v", p.id, err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("RELAY: malformed frame from %s: %v", p.id, err)
			continue
		}

		// The relay stamps sender identity; parties never assert their own.
		env.From = p.id
		env.FromRole = p.role

		h.route(p, &env)
	}
}

// route forwards one envelope. Clients always talk to the admin; the admin
// must address a specific client.
func (h *Hub) route(p *party, env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindMessage,
		protocol.KindCallOffer,
		protocol.KindCallAnswer,
		protocol.KindCallCandidate,
		protocol.KindCallReject,
		protocol.KindCallBusy,
		protocol.KindCallEnd:

		if p.role == protocol.RoleClient {
			h.mu.RLock()
			target := h.admin
			h.mu.RUnlock()
			if target == nil {
				h.deliverError(p, "admin is offline")
				return
			}
			h.forward(target, env)
			return
		}

		if env.To == "" {
			h.deliverError(p, "target client is required")
			return
		}
		h.mu.RLock()
		target := h.clients[env.To]
		h.mu.RUnlock()
		if target == nil {
			h.deliverError(p, "client "+env.To+" is not connected")
			return
		}
		h.forward(target, env)

	case protocol.KindPresence:
		// Only the admin announces presence; it fans out to every client.
		if p.role != protocol.RoleAdmin {
			return
		}
		h.mu.RLock()
		targets := make([]*party, 0, len(h.clients))
		for _, cl := range h.clients {
			targets = append(targets, cl)
		}
		h.mu.RUnlock()
		data, err := json.Marshal(env)
		if err != nil {
			return
		}
		for _, cl := range targets {
			cl.enqueue(data)
		}

	default:
		log.Printf("RELAY: unknown event kind %q from %s", env.Kind, p.id)
	}
}

// sendRoster pushes a wholesale roster snapshot to the admin.
func (h *Hub) sendRoster() {
	h.mu.RLock()
	admin := h.admin
	list := make([]protocol.RosterClient, 0, len(h.clients))
	for _, cl := range h.clients {
		list = append(list, protocol.RosterClient{ID: cl.id, Name: cl.name, Online: true})
	}
	h.mu.RUnlock()

	if admin == nil {
		return
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].ID < list[j].ID
	})
	h.deliver(admin, &protocol.Envelope{Kind: protocol.KindRoster}, protocol.RosterPayload{Clients: list})
}

func (h *Hub) broadcastToClients(env *protocol.Envelope, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env.Payload = raw
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*party, 0, len(h.clients))
	for _, cl := range h.clients {
		targets = append(targets, cl)
	}
	h.mu.RUnlock()

	for _, cl := range targets {
		cl.enqueue(data)
	}
}

func (h *Hub) deliver(p *party, env *protocol.Envelope, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env.Payload = raw
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	p.enqueue(data)
}

func (h *Hub) deliverError(p *party, msg string) {
	data, err := json.Marshal(&protocol.Envelope{Kind: protocol.KindError, Error: msg})
	if err != nil {
		return
	}
	p.enqueue(data)
}

func (h *Hub) persistPresence(userID string, online bool) {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.store.SetOnline(ctx, userID, online); err != nil {
		log.Printf("RELAY: presence persist for %s failed: %v", userID, err)
	}
}

// forward re-marshals env (with stamped sender) to the target party.
func (h *Hub) forward(target *party, env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("RELAY: marshal failed: %v", err)
		return
	}
	target.enqueue(data)
}

// enqueue hands a frame to the write pump. Frames for a party that has
// already shut down are dropped silently; the send never panics.
func (p *party) enqueue(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.send <- data:
	default:
		log.Printf("RELAY: send buffer full for %s, dropping frame", p.id)
	}
}

// shutdown ends the party's write pump and closes its socket. Safe to call
// multiple times and concurrently with enqueue.
func (p *party) shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
	p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *party) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("RELAY: write to %s failed: %v", p.id, err)
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
