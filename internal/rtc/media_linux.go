//go:build linux && cgo

package rtc

import (
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
)

// newCodecSelector pairs VP8 for video with Opus for audio, the codecs
// every browser on the other end of a support call accepts.
func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// getUserMedia captures the requested device classes via V4L2 and malgo.
func (s *Stack) getUserMedia(audio, video bool) ([]mediadevices.Track, error) {
	for _, d := range mediadevices.EnumerateDevices() {
		log.Printf("RTC: media device kind=%v label=%q", d.Kind, d.Label)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
			// produces malformed frames and poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}
	return stream.GetTracks(), nil
}
