package ports

import "errors"

var (
	// Transport errors
	ErrConnectionFailed = errors.New("room connection failed")
	ErrNotConnected     = errors.New("not connected to a room")
	ErrRPCTimeout       = errors.New("rpc timed out")
	ErrRPCUnsupported   = errors.New("rpc method not supported by destination")

	// Engine errors
	ErrTransitionInFlight = errors.New("mode transition already in flight")
	ErrSessionInactive    = errors.New("session does not accept writes")
	ErrEmptyContent       = errors.New("content cannot be empty")
	ErrCaptureFailed      = errors.New("media capture failed")
	ErrDeviceNotFound     = errors.New("audio device not found")
)
