//go:build !linux || !cgo

package rtc

import (
	"errors"

	"github.com/pion/mediadevices"
)

// Capture drivers are only wired up on Linux; elsewhere the stack can
// still terminate remote media but never sends any.

func newCodecSelector() (*mediadevices.CodecSelector, error) {
	return nil, nil
}

func (s *Stack) getUserMedia(audio, video bool) ([]mediadevices.Track, error) {
	return nil, errors.New("media capture not found on this platform")
}
