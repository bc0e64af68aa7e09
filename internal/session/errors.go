package session

import "errors"

// Session validation errors
var (
	ErrMissingToken     = errors.New("session token is required")
	ErrInvalidToken     = errors.New("session token is invalid")
	ErrExpiredToken     = errors.New("session token is expired")
	ErrNotConfigured    = errors.New("session validator is not configured")
	ErrInvalidSubject   = errors.New("session subject must be a positive user id")
	ErrUsernameMismatch = errors.New("session username does not match directory")
)
