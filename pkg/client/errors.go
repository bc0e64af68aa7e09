package client

import "errors"

// Controller errors
var (
	ErrNotReady         = errors.New("connection is not ready")
	ErrAlreadyConnected = errors.New("controller is already connected or connecting")
	ErrMissingURL       = errors.New("server URL is required")
)
