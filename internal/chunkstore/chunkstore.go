// Package chunkstore provides durable buffering for in-flight image
// chunks. Entries are keyed by (device, image-name, chunk-index), written
// at most once, and reclaimed by TTL when a transfer is abandoned.
package chunkstore

import (
	"context"
	"time"
)

// TTL bounds how long buffered chunks of an abandoned transfer are kept
// before expiry reclaims the space. 45 minutes comfortably covers a wake
// window plus one retry cycle; every accepted chunk refreshes it.
const TTL = 45 * time.Minute

// Store is the transfer buffer boundary. All implementations must be safe
// for concurrent use and must give first-write-wins semantics per chunk
// key — that write-once guarantee is the only concurrency primitive the
// chunk path relies on.
type Store interface {
	// PutChunk buffers one chunk. Returns false when the index was
	// already present; the stored bytes are then left untouched.
	PutChunk(ctx context.Context, deviceID, imageName string, index int, data []byte) (bool, error)

	// Chunks returns all buffered chunks for a transfer, keyed by index.
	Chunks(ctx context.Context, deviceID, imageName string) (map[int][]byte, error)

	// ReceivedIndices returns the sorted indices buffered for a transfer.
	ReceivedIndices(ctx context.Context, deviceID, imageName string) ([]int, error)

	// Delete drops all buffered chunks for a transfer, called after
	// successful assembly.
	Delete(ctx context.Context, deviceID, imageName string) error
}
