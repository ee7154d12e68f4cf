package engine

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mobilebarber/support-rtc/internal/protocol"
)

// adminPeerID is the well-known identity of the single administrator on the
// signaling channel; clients never need to discover it.
const adminPeerID = "admin"

// DeliveryStatus tracks an outbound message through transmission. Only the
// sender's own send path mutates it; there is no implicit retry.
type DeliveryStatus string

const (
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// ReadStatus tracks whether the viewing party has seen a message.
type ReadStatus string

const (
	ReadStatusUnread ReadStatus = "unread"
	ReadStatusRead   ReadStatus = "read"
)

// ChatMessage is one entry in the conversation log.
type ChatMessage struct {
	ID             string
	SenderRole     protocol.Role
	SenderID       string
	TargetID       string // set only on admin→client sends
	Text           string
	CreatedAt      time.Time
	DeliveryStatus DeliveryStatus
	ReadStatus     ReadStatus
}

// ClientRosterEntry is the admin's view of one client.
type ClientRosterEntry struct {
	ClientID    string
	DisplayName string
	Online      bool
	Unread      int
}

// SendMessage validates, appends and transmits one chat message. The
// returned message carries the final delivery status: Sent on successful
// transmission, Failed otherwise.
func (e *Engine) SendMessage(text string) (ChatMessage, error) {
	var out ChatMessage
	err := e.do(func() error {
		if strings.TrimSpace(text) == "" {
			return &ValidationError{Reason: "message is empty"}
		}
		if utf8.RuneCountInString(text) > e.cfg.MaxMessageLen {
			return &ValidationError{Reason: "message too long"}
		}

		to := ""
		if e.cfg.Identity.Role == protocol.RoleAdmin {
			if e.focused == "" {
				return ErrNoTargetSelected
			}
			to = e.focused
		}

		msg := ChatMessage{
			ID:             uuid.New().String(),
			SenderRole:     e.cfg.Identity.Role,
			SenderID:       e.cfg.Identity.ID,
			TargetID:       to,
			Text:           text,
			CreatedAt:      time.Now(),
			DeliveryStatus: DeliverySending,
			ReadStatus:     ReadStatusRead,
		}
		e.messages = append(e.messages, msg)
		idx := len(e.messages) - 1

		sendErr := e.sig.Send(protocol.KindMessage, to, protocol.MessagePayload{Text: text, Timestamp: msg.CreatedAt})
		if sendErr != nil {
			e.messages[idx].DeliveryStatus = DeliveryFailed
			log.Printf("CHAT: send failed: %v", sendErr)
		} else {
			e.messages[idx].DeliveryStatus = DeliverySent
		}
		out = e.messages[idx]
		e.publish(MessageEvent{Message: out})
		return sendErr
	})
	return out, err
}

// onMessage appends an inbound chat message in receipt order and bumps the
// relevant unread counter.
func (e *Engine) onMessage(env *protocol.Envelope) {
	var p protocol.MessagePayload
	if err := env.Decode(&p); err != nil {
		log.Printf("CHAT: malformed message from %s: %v", env.From, err)
		return
	}

	msg := ChatMessage{
		ID:             uuid.New().String(),
		SenderRole:     env.FromRole,
		SenderID:       env.From,
		Text:           p.Text,
		CreatedAt:      p.Timestamp,
		DeliveryStatus: DeliverySent,
		ReadStatus:     ReadStatusUnread,
	}
	e.messages = append(e.messages, msg)

	if e.cfg.Identity.Role == protocol.RoleAdmin {
		// A message from a client not yet in the roster still needs a
		// counter; the next snapshot overwrites name/online.
		entry := e.rosterEntry(env.From)
		if env.From != e.focused {
			entry.Unread++
		}
	} else if !e.chatOpen || e.minimized {
		e.clientUnread++
	}

	e.notifier.Play(SoundMessage)
	e.publish(MessageEvent{Message: msg})
}

// MarkRead zeroes the unread counter for the current conversation, flips the
// conversation's messages to read, and signals the read-receipt collaborator.
// Receipt persistence is fire-and-forget: failures are logged, not surfaced.
func (e *Engine) MarkRead() error {
	return e.do(func() error {
		if e.cfg.Identity.Role == protocol.RoleAdmin {
			if e.focused == "" {
				return ErrNoTargetSelected
			}
			e.markConversationRead(e.focused)
			return nil
		}
		e.markConversationRead(e.cfg.Identity.ID)
		return nil
	})
}

// markConversationRead runs on the dispatch loop.
func (e *Engine) markConversationRead(userID string) {
	if e.cfg.Identity.Role == protocol.RoleAdmin {
		if entry, ok := e.roster[userID]; ok {
			entry.Unread = 0
		}
		for i := range e.messages {
			if e.messages[i].SenderID == userID {
				e.messages[i].ReadStatus = ReadStatusRead
			}
		}
	} else {
		e.clientUnread = 0
		for i := range e.messages {
			e.messages[i].ReadStatus = ReadStatusRead
		}
	}

	if e.receipts != nil {
		peer := userID
		if e.cfg.Identity.Role != protocol.RoleAdmin {
			peer = adminPeerID
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.receipts.MarkRead(ctx, peer); err != nil {
				log.Printf("CHAT: read receipt for %s failed: %v", peer, err)
			}
		}()
	}
}

// SelectClient focuses a client conversation (admin only): it becomes the
// message and call target and its unread counter resets to zero.
func (e *Engine) SelectClient(clientID string) error {
	return e.do(func() error {
		e.focused = clientID
		if clientID != "" && e.cfg.Identity.Role == protocol.RoleAdmin {
			e.markConversationRead(clientID)
		}
		return nil
	})
}

// SetChatOpen records the client-side chat pane being opened or closed.
// Opening the pane clears the unread badge and marks the conversation read.
func (e *Engine) SetChatOpen(open bool) error {
	return e.do(func() error {
		e.chatOpen = open
		e.minimized = false
		if open && e.cfg.Identity.Role == protocol.RoleClient {
			e.markConversationRead(e.cfg.Identity.ID)
		}
		return nil
	})
}

// SetMinimized records the client-side chat pane being minimized. Restoring
// from minimized clears the unread badge.
func (e *Engine) SetMinimized(minimized bool) error {
	return e.do(func() error {
		restored := e.minimized && !minimized
		e.minimized = minimized
		if restored && e.cfg.Identity.Role == protocol.RoleClient {
			e.markConversationRead(e.cfg.Identity.ID)
		}
		return nil
	})
}

// onRoster replaces the roster wholesale from a relay snapshot. Unread
// counters survive for clients still present.
func (e *Engine) onRoster(env *protocol.Envelope) {
	var p protocol.RosterPayload
	if err := env.Decode(&p); err != nil {
		log.Printf("ROSTER: malformed snapshot: %v", err)
		return
	}

	next := make(map[string]*ClientRosterEntry, len(p.Clients))
	order := make([]string, 0, len(p.Clients))
	for _, c := range p.Clients {
		entry := &ClientRosterEntry{ClientID: c.ID, DisplayName: c.Name, Online: c.Online}
		if prev, ok := e.roster[c.ID]; ok {
			entry.Unread = prev.Unread
		}
		next[c.ID] = entry
		order = append(order, c.ID)
	}
	e.roster = next
	e.rosterOrder = order

	e.publish(RosterEvent{Clients: e.rosterSnapshot()})
}

// onPresence updates the client-side view of the admin being online.
func (e *Engine) onPresence(env *protocol.Envelope) {
	var p protocol.PresencePayload
	if err := env.Decode(&p); err != nil {
		log.Printf("PRESENCE: malformed event: %v", err)
		return
	}
	if p.Role != protocol.RoleAdmin {
		return
	}
	e.adminOnline = p.Online
	e.publish(AdminPresenceEvent{Online: p.Online})
}

// rosterEntry returns the entry for clientID, creating a placeholder when
// the roster has not announced it yet.
func (e *Engine) rosterEntry(clientID string) *ClientRosterEntry {
	if entry, ok := e.roster[clientID]; ok {
		return entry
	}
	entry := &ClientRosterEntry{ClientID: clientID, DisplayName: clientID, Online: true}
	e.roster[clientID] = entry
	e.rosterOrder = append(e.rosterOrder, clientID)
	return entry
}

func (e *Engine) rosterSnapshot() []ClientRosterEntry {
	out := make([]ClientRosterEntry, 0, len(e.rosterOrder))
	for _, id := range e.rosterOrder {
		if entry, ok := e.roster[id]; ok {
			out = append(out, *entry)
		}
	}
	return out
}

// Messages returns a copy of the conversation log in receipt order.
func (e *Engine) Messages() []ChatMessage {
	var out []ChatMessage
	e.do(func() error {
		out = make([]ChatMessage, len(e.messages))
		copy(out, e.messages)
		return nil
	})
	return out
}

// Roster returns the admin's current client list snapshot.
func (e *Engine) Roster() []ClientRosterEntry {
	var out []ClientRosterEntry
	e.do(func() error {
		out = e.rosterSnapshot()
		return nil
	})
	return out
}

// Unread returns the client-side unread badge count.
func (e *Engine) Unread() int {
	var n int
	e.do(func() error {
		n = e.clientUnread
		return nil
	})
	return n
}

// AdminOnline reports the client-side view of admin availability.
func (e *Engine) AdminOnline() bool {
	var online bool
	e.do(func() error {
		online = e.adminOnline
		return nil
	})
	return online
}
