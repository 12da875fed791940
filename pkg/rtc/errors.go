package rtc

import "errors"

var (
	ErrRoomClosed              = errors.New("room has already closed")
	ErrConnectFailure          = errors.New("could not connect to room")
	ErrPermissionDenied        = errors.New("no permissions to access the room")
	ErrMaxParticipantsExceeded = errors.New("room has exceeded its max participants")
	ErrProtocolViolation       = errors.New("engine events out of order")
	ErrPublishFailure          = errors.New("could not publish track")
	ErrSubscribeFailure        = errors.New("could not subscribe to track")
	ErrSendFailure             = errors.New("could not send data")
	ErrAlreadyPublished        = errors.New("track is already published")
	ErrInvalidState            = errors.New("invalid state for operation")
	ErrTrackNotFound           = errors.New("track could not be found")
	ErrContextNotInitialized   = errors.New("media context is not initialized")
	ErrContextDestroyed        = errors.New("media context has been destroyed")
	ErrEngineVersion           = errors.New("engine version is not supported")
)
