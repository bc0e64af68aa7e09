package interfaces

import (
	"context"

	"marketchat/pkg/types"
)

// MessageStore is the durable append-only log of article-scoped messages.
// Direct-room messages never reach the store.
type MessageStore interface {
	// SaveMessage persists a message and returns its id. The store also sets
	// message.ID and message.Timestamp. Ids are strictly increasing.
	// Returns an error wrapping ErrStorageUnavailable when persistence is down.
	SaveMessage(ctx context.Context, message *types.ChatMessage) (int64, error)

	// History returns at most limit messages for an article, oldest first.
	History(ctx context.Context, articleID string, limit int) ([]types.ChatMessage, error)

	// Conversations lists the article rooms a user has posted in, most recent first.
	Conversations(ctx context.Context, userID int64) ([]types.Conversation, error)

	// HealthCheck verifies database connectivity
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}

// ArticleDirectory answers "does article X exist". Listing storage itself is
// owned by the surrounding marketplace application.
type ArticleDirectory interface {
	ArticleExists(ctx context.Context, articleID string) (bool, error)
}

// UserDirectory resolves user ids to usernames and back.
type UserDirectory interface {
	// UsernameByID returns ErrUserNotFound for unknown ids
	UsernameByID(ctx context.Context, userID int64) (string, error)

	// UserIDByUsername returns ErrUserNotFound for unknown usernames
	UserIDByUsername(ctx context.Context, username string) (int64, error)
}
