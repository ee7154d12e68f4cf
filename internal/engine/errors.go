package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by UI intents. They are recovered locally and
// surfaced as user-visible rejections; none of them change engine state.
var (
	ErrNotConnected     = errors.New("signaling connection is not connected")
	ErrNoPeerSelected   = errors.New("no client selected to call")
	ErrNoTargetSelected = errors.New("no client selected as message target")
	ErrCallInProgress   = errors.New("another call is already in progress")
	ErrNoIncomingCall   = errors.New("no incoming call to answer")
	ErrNoActiveCall     = errors.New("no active call")
	ErrEngineStarted    = errors.New("engine already started")
	ErrEngineClosed     = errors.New("engine is closed")
)

// ValidationError rejects a malformed chat message before it is transmitted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Reason
}

// ConnectionError is the terminal failure after the reconnect budget is
// exhausted. The connection stays Errored until an external retry.
type ConnectionError struct {
	Attempts int
	Last     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("signaling connection lost after %d reconnect attempts: %v", e.Attempts, e.Last)
}

func (e *ConnectionError) Unwrap() error { return e.Last }

// MediaCause classifies why local capture could not be acquired.
type MediaCause string

const (
	MediaPermissionDenied MediaCause = "permission_denied"
	MediaDeviceNotFound   MediaCause = "device_not_found"
	MediaDeviceBusy       MediaCause = "device_busy"
)

// MediaError aborts a pending call transition back to Idle. The cause is
// surfaced verbatim to the UI.
type MediaError struct {
	Cause MediaCause
	Err   error
}

func (e *MediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media acquisition failed (%s): %v", e.Cause, e.Err)
	}
	return fmt.Sprintf("media acquisition failed (%s)", e.Cause)
}

func (e *MediaError) Unwrap() error { return e.Err }
