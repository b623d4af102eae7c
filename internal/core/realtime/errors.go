package realtime

import "errors"

var (
	ErrNoSource        = errors.New("realtime channel has no subscription source")
	ErrReconnect       = errors.New("realtime channel asked to reconnect")
	ErrAlreadyStarted  = errors.New("realtime channel already started")
	ErrMalformedRecord = errors.New("malformed realtime record")
)
