// Package rtc is the Pion-backed media transport: local capture through
// pion/mediadevices and peer connections through pion/webrtc. The engine
// only sees the capability interfaces it defines.
package rtc

import (
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/mobilebarber/support-rtc/internal/engine"
	"github.com/mobilebarber/support-rtc/internal/protocol"
)

// DefaultICEServers is used when the caller configures none.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// Stack bundles the WebRTC API and the codec selector so that captured
// tracks and peer connections agree on codecs. It implements both
// engine.Devices and engine.PeerFactory.
type Stack struct {
	api        *webrtc.API
	selector   *mediadevices.CodecSelector
	iceServers []webrtc.ICEServer
}

// New builds the shared WebRTC API. On platforms without capture support
// the selector is nil and GetMedia always fails with a device-not-found
// media error.
func New(iceURLs []string) (*Stack, error) {
	if len(iceURLs) == 0 {
		iceURLs = DefaultICEServers
	}

	selector, err := newCodecSelector()
	if err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if selector != nil {
		selector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	// The default disconnected timeout (5s) drops calls on brief NAT
	// hiccups; give ICE time to recover instead.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	servers := make([]webrtc.ICEServer, 0, len(iceURLs))
	for _, u := range iceURLs {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	return &Stack{api: api, selector: selector, iceServers: servers}, nil
}

// GetMedia opens the requested device classes as a unit.
func (s *Stack) GetMedia(audio, video bool) ([]engine.Track, error) {
	raw, err := s.getUserMedia(audio, video)
	if err != nil {
		return nil, classifyMediaError(err)
	}
	tracks := make([]engine.Track, 0, len(raw))
	for _, t := range raw {
		tracks = append(tracks, newCaptureTrack(t))
	}
	return tracks, nil
}

// classifyMediaError maps driver failures onto the engine's media causes.
// mediadevices surfaces driver errors as opaque strings, so this is a
// best-effort match.
func classifyMediaError(err error) error {
	msg := strings.ToLower(err.Error())
	cause := engine.MediaDeviceNotFound
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "not permitted"):
		cause = engine.MediaPermissionDenied
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		cause = engine.MediaDeviceBusy
	}
	return &engine.MediaError{Cause: cause, Err: err}
}

// NewPeerConnection creates a connection with the local tracks attached,
// or receive-only transceivers when there are none.
func (s *Stack) NewPeerConnection(hooks engine.PeerHooks, local []engine.Track) (engine.PeerConnection, error) {
	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.iceServers})
	if err != nil {
		return nil, err
	}

	attached := 0
	for _, t := range local {
		ct, ok := t.(*captureTrack)
		if !ok {
			continue
		}
		sender, err := pc.AddTrack(ct.track)
		if err != nil {
			pc.Close()
			return nil, err
		}
		ct.attach(sender)
		attached++
	}
	if attached == 0 {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return nil, err
			}
		}
	}

	conn := &peerConn{pc: pc, done: make(chan struct{})}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || hooks.OnCandidate == nil {
			return
		}
		init := c.ToJSON()
		hooks.OnCandidate(protocol.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		rt := newRemoteTrack(conn, remote)
		go rt.consume()
		if hooks.OnRemoteTrack != nil {
			hooks.OnRemoteTrack(rt)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if hooks.OnStateChange == nil {
			return
		}
		hooks.OnStateChange(mapPeerState(state))
	})

	return conn, nil
}

func mapPeerState(state webrtc.PeerConnectionState) engine.PeerState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return engine.PeerNew
	case webrtc.PeerConnectionStateConnecting:
		return engine.PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return engine.PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return engine.PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return engine.PeerFailed
	default:
		return engine.PeerClosed
	}
}

// peerConn adapts *webrtc.PeerConnection to the engine interface.
type peerConn struct {
	pc   *webrtc.PeerConnection
	done chan struct{}

	closeOnce sync.Once
}

func (p *peerConn) CreateOffer() (protocol.SessionDescription, error) {
	desc, err := p.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	return fromPionSDP(desc), nil
}

func (p *peerConn) CreateAnswer() (protocol.SessionDescription, error) {
	desc, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	return fromPionSDP(desc), nil
}

func (p *peerConn) SetLocalDescription(desc protocol.SessionDescription) error {
	return p.pc.SetLocalDescription(toPionSDP(desc))
}

func (p *peerConn) SetRemoteDescription(desc protocol.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPionSDP(desc))
}

func (p *peerConn) AddCandidate(c protocol.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *peerConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}

func fromPionSDP(desc webrtc.SessionDescription) protocol.SessionDescription {
	return protocol.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func toPionSDP(desc protocol.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

// captureTrack wraps a local mediadevices track. Mute swaps the track out
// of its RTP sender so no renegotiation is needed.
type captureTrack struct {
	track mediadevices.Track
	kind  engine.MediaKind

	mu      sync.Mutex
	sender  *webrtc.RTPSender
	enabled bool
}

func newCaptureTrack(t mediadevices.Track) *captureTrack {
	kind := engine.MediaAudio
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		kind = engine.MediaVideo
	}
	t.OnEnded(func(err error) {
		if err != nil && !errors.Is(err, io.EOF) {
			log.Printf("RTC: local %s track ended: %v", kind, err)
		}
	})
	return &captureTrack{track: t, kind: kind, enabled: true}
}

func (c *captureTrack) attach(sender *webrtc.RTPSender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

func (c *captureTrack) Kind() engine.MediaKind { return c.kind }

func (c *captureTrack) SetEnabled(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled == enabled {
		return nil
	}
	c.enabled = enabled
	if c.sender == nil {
		return nil
	}
	if enabled {
		return c.sender.ReplaceTrack(c.track)
	}
	return c.sender.ReplaceTrack(nil)
}

func (c *captureTrack) Stop() {
	if err := c.track.Close(); err != nil {
		log.Printf("RTC: closing local %s track: %v", c.kind, err)
	}
}

// remoteTrack wraps an inbound RTP track. consume keeps the receive buffer
// drained and asks for keyframes on video; playback taps the same packets
// upstream of this wrapper.
type remoteTrack struct {
	conn   *peerConn
	remote *webrtc.TrackRemote
	kind   engine.MediaKind

	stopOnce sync.Once
	stopped  chan struct{}
}

func newRemoteTrack(conn *peerConn, remote *webrtc.TrackRemote) *remoteTrack {
	kind := engine.MediaAudio
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		kind = engine.MediaVideo
	}
	return &remoteTrack{conn: conn, remote: remote, kind: kind, stopped: make(chan struct{})}
}

func (r *remoteTrack) consume() {
	if r.kind == engine.MediaVideo {
		go r.requestKeyframes()
	}
	for {
		select {
		case <-r.stopped:
			return
		case <-r.conn.done:
			return
		default:
		}
		if _, _, err := r.remote.ReadRTP(); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("RTC: remote %s track read: %v", r.kind, err)
			}
			return
		}
	}
}

func (r *remoteTrack) requestKeyframes() {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopped:
			return
		case <-r.conn.done:
			return
		case <-ticker.C:
			err := r.conn.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(r.remote.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

func (r *remoteTrack) Kind() engine.MediaKind { return r.kind }

func (r *remoteTrack) SetEnabled(bool) error { return nil }

func (r *remoteTrack) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}
