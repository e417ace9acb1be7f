package mqtt

import "context"

// MessageHandler is invoked for every message received on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// ClientInterface defines the interface for the device-facing broker link.
// This interface enables easier testing through mocking and dependency injection.
type ClientInterface interface {
	// Publish sends a payload to the given topic and waits for the broker to
	// accept it. The context is used for cancellation and timeout.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers a handler for a topic filter. Wildcard filters
	// (device/+/status) are supported.
	Subscribe(topic string, handler MessageHandler) error

	// Close disconnects from the broker.
	Close()
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
