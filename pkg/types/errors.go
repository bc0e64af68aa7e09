package types

import "errors"

// Validation errors shared across the server and client packages.
var (
	ErrInvalidArticleID = errors.New("article ID must be 1-50 characters, alphanumeric + underscore/hyphen, and must not use the direct_ prefix")
	ErrInvalidRoomKey   = errors.New("invalid room key")
	ErrInvalidUsername  = errors.New("username must be 1-50 characters, alphanumeric + underscore/hyphen/dot only")
	ErrInvalidEventType = errors.New("invalid event type")
	ErrEmptyMessage     = errors.New("message text is empty")
	ErrMessageTooLong   = errors.New("message text exceeds length limit")
)
