package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrStorageUnavailable = errors.New("message storage unavailable")
	ErrUserNotFound       = errors.New("user not found")
	ErrUnauthorized       = errors.New("unauthorized access")
)
