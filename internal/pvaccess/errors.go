package pvaccess

import "errors"

var (
	ErrNotFound     = errors.New("channel name not found")
	ErrNotConnected = errors.New("channel not connected")
	ErrDestroyed    = errors.New("channel destroyed")
	ErrProtocol     = errors.New("malformed request")
)
