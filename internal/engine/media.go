package engine

import (
	"errors"
	"fmt"
	"log"

	"github.com/mobilebarber/support-rtc/internal/protocol"
)

// MediaKind is the class of a single capture/playback track.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// Track is one local or remote media track. Local tracks come from Devices,
// remote tracks from the peer-connection capability.
type Track interface {
	Kind() MediaKind
	// SetEnabled toggles the track without renegotiation; disabled local
	// tracks stop sending, which is how mute is implemented.
	SetEnabled(enabled bool) error
	Stop()
}

// Devices is the local capture capability. Implementations open the requested
// device classes as a unit: if either class fails, the whole acquisition
// fails with a *MediaError.
type Devices interface {
	GetMedia(audio, video bool) ([]Track, error)
}

// MediaSession owns the local capture tracks and remote sinks for exactly one
// call session. It is never shared across sessions.
type MediaSession struct {
	// EffectiveKind is what was actually captured: a video call on a
	// camera-less device degrades to audio.
	EffectiveKind protocol.CallKind

	local       []Track
	remoteAudio []Track
	remoteVideo []Track
	released    bool
}

// acquireMedia opens local capture for the given call kind. A video request
// on a machine with no camera falls back to audio-only rather than failing
// the call; every other acquisition failure aborts.
func acquireMedia(dev Devices, kind protocol.CallKind) (*MediaSession, error) {
	wantVideo := kind == protocol.CallVideo
	tracks, err := dev.GetMedia(true, wantVideo)
	if err != nil {
		var me *MediaError
		if wantVideo && errors.As(err, &me) && me.Cause == MediaDeviceNotFound {
			log.Printf("MEDIA: no camera available, falling back to audio-only: %v", err)
			tracks, err = dev.GetMedia(true, false)
			if err != nil {
				return nil, err
			}
			return &MediaSession{EffectiveKind: protocol.CallAudio, local: tracks}, nil
		}
		return nil, err
	}
	return &MediaSession{EffectiveKind: kind, local: tracks}, nil
}

// LocalTracks returns the captured tracks for attachment to a peer connection.
func (m *MediaSession) LocalTracks() []Track {
	return m.local
}

// BindRemote attaches an inbound track to the matching sink. The first track
// of a kind creates that sink's backing stream.
func (m *MediaSession) BindRemote(t Track) {
	if m.released {
		t.Stop()
		return
	}
	switch t.Kind() {
	case MediaVideo:
		m.remoteVideo = append(m.remoteVideo, t)
	default:
		m.remoteAudio = append(m.remoteAudio, t)
	}
}

// RemoteTracks returns the bound remote tracks of one kind.
func (m *MediaSession) RemoteTracks(kind MediaKind) []Track {
	if kind == MediaVideo {
		return m.remoteVideo
	}
	return m.remoteAudio
}

// SetMuted toggles the local track of the given kind.
func (m *MediaSession) SetMuted(kind MediaKind, muted bool) error {
	if m.released {
		return fmt.Errorf("media session already released")
	}
	for _, t := range m.local {
		if t.Kind() == kind {
			return t.SetEnabled(!muted)
		}
	}
	return fmt.Errorf("no local %s track", kind)
}

// Release stops every local and remote track and detaches all sinks.
// Safe to call multiple times.
func (m *MediaSession) Release() {
	if m == nil || m.released {
		return
	}
	m.released = true
	for _, t := range m.local {
		t.Stop()
	}
	for _, t := range m.remoteAudio {
		t.Stop()
	}
	for _, t := range m.remoteVideo {
		t.Stop()
	}
	m.local = nil
	m.remoteAudio = nil
	m.remoteVideo = nil
}
