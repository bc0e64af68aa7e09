package types

import (
	"fmt"
	"strconv"
	"strings"
)

// DirectRoomPrefix marks room keys synthesized for direct conversations.
const DirectRoomPrefix = "direct_"

// DirectRoomKey returns the canonical key for a direct conversation between two
// numeric user ids. The pair is sorted so both participants compute the same key
// regardless of who connects first.
func DirectRoomKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s%d_%d", DirectRoomPrefix, a, b)
}

// IsDirectRoomKey reports whether key was produced by DirectRoomKey.
func IsDirectRoomKey(key string) bool {
	return strings.HasPrefix(key, DirectRoomPrefix)
}

// ParseDirectRoomKey returns the two user ids, smallest first.
func ParseDirectRoomKey(key string) (int64, int64, error) {
	if !IsDirectRoomKey(key) {
		return 0, 0, ErrInvalidRoomKey
	}
	parts := strings.Split(strings.TrimPrefix(key, DirectRoomPrefix), "_")
	if len(parts) != 2 {
		return 0, 0, ErrInvalidRoomKey
	}
	a, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, ErrInvalidRoomKey
	}
	b, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, ErrInvalidRoomKey
	}
	if a > b {
		return 0, 0, ErrInvalidRoomKey
	}
	return a, b, nil
}

// RoomKeyFor returns the key of the room identified by req for caller userID.
// The peer must already be resolved to a numeric id.
func RoomKeyFor(req RoomRequest, userID int64) (string, error) {
	if req.ArticleID != "" {
		if !IsValidArticleID(req.ArticleID) {
			return "", ErrInvalidArticleID
		}
		return req.ArticleID, nil
	}
	if req.PeerID <= 0 {
		return "", ErrInvalidRoomKey
	}
	return DirectRoomKey(userID, req.PeerID), nil
}
