package mq

import "context"

// Publisher defines the interface for queue publishing operations.
// This interface enables easier testing through mocking and dependency injection.
type Publisher interface {
	// Push publishes data onto the queue and waits for broker confirmation.
	Push(ctx context.Context, data []byte) error

	// UnsafePush publishes to the queue without waiting for confirmation.
	UnsafePush(ctx context.Context, data []byte) error

	// Close cleanly shuts down the channel and connection.
	Close() error
}

// Ensure Client implements Publisher.
var _ Publisher = (*Client)(nil)
