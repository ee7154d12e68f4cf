package engine

import (
	"context"

	"github.com/mobilebarber/support-rtc/internal/protocol"
)

// Identity is who this engine instance speaks as on the signaling channel.
type Identity struct {
	Role protocol.Role
	ID   string
	Name string
}

// TokenSource supplies the bearer token presented at connect time.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken adapts a fixed token string to a TokenSource.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// ReadReceipts persists read-state for the conversation with peerID. Calls
// are fire-and-forget: failures are logged, never surfaced to the user.
type ReadReceipts interface {
	MarkRead(ctx context.Context, peerID string) error
}

// Sound names the cues the notification collaborator can play.
type Sound string

const (
	SoundMessage  Sound = "message"
	SoundRingtone Sound = "ringtone"
)

// Notifier plays notification and ring sounds. It is owned by process-wide
// lifecycle, injected here so the engine core carries no audio state. All
// calls are fire-and-forget; failures are ignored.
type Notifier interface {
	Play(s Sound)
	Stop(s Sound)
}
