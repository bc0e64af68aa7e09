package interfaces

import (
	"context"

	"marketchat/pkg/types"
)

// SessionValidator answers "is this caller's session valid, and for whom".
// Returns an error wrapping ErrUnauthorized for missing, expired or forged tokens.
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (types.Identity, error)
}
