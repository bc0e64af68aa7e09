package interfaces

// Connection is one live transport as seen by the registry and the broker.
// Identity and room key are fixed at construction; a connection belongs to
// exactly one room for its lifetime.
type Connection interface {
	// ID returns the server-assigned connection id
	ID() string

	// UserID returns the numeric id of the authenticated user
	UserID() int64

	// Username returns the display name of the authenticated user
	Username() string

	// RoomKey returns the key of the room this connection joined
	RoomKey() string

	// Send queues a pre-serialized frame for delivery (thread-safe, non-blocking).
	// A non-nil error means the frame was not queued and the peer should be evicted.
	Send(data []byte) error

	// CloseWithReason sends a close frame with the given code before closing
	CloseWithReason(code int, reason string) error

	// Close closes the connection and cleans up resources
	Close() error
}
