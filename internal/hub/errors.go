package hub

import "errors"

// Hub lifecycle errors
var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
)

// Room resolution errors. Each one rejects the upgrade.
var (
	ErrInvalidRoomRequest = errors.New("request must name exactly one article or peer")
	ErrArticleNotFound    = errors.New("article not found")
	ErrPeerNotFound       = errors.New("peer user not found")
	ErrSelfChat           = errors.New("cannot open a direct chat with yourself")
)
