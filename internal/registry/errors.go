package registry

import "errors"

// Registry-related errors
var (
	ErrNilConnection       = errors.New("connection cannot be nil")
	ErrEmptyRoomKey        = errors.New("connection has no room key")
	ErrDuplicateConnection = errors.New("connection id already registered")
)
