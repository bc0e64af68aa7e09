package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Regex compiled once at package initialization.
var (
	articleIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	usernameRegex  = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// MaxMessageRunes is the default upper bound on message text length.
const MaxMessageRunes = 2000

// IsValidArticleID checks the article id format. Ids that could collide with
// synthesized direct room keys are rejected.
func IsValidArticleID(id string) bool {
	if len(id) < 1 || len(id) > 50 {
		return false
	}
	if IsDirectRoomKey(id) {
		return false
	}
	return articleIDRegex.MatchString(id)
}

// IsValidUsername checks the username format.
func IsValidUsername(username string) bool {
	if len(username) < 1 || len(username) > 50 {
		return false
	}
	return usernameRegex.MatchString(username)
}

// IsInboundEventType reports whether t is an event a client may send.
func IsInboundEventType(t string) bool {
	switch t {
	case EventJoin, EventMessage, EventTyping, EventStopTyping:
		return true
	default:
		return false
	}
}

// NormalizeMessage trims text and enforces the rune limit. A limit <= 0 uses
// MaxMessageRunes.
func NormalizeMessage(text string, limit int) (string, error) {
	if limit <= 0 {
		limit = MaxMessageRunes
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > limit {
		return "", ErrMessageTooLong
	}
	return text, nil
}
