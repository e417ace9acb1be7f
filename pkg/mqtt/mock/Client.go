// Package mock provides an in-memory ClientInterface implementation for tests.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/brainlytree/canopy/pkg/mqtt"
)

// Published records a single published message.
type Published struct {
	Topic   string
	Payload []byte
}

// Client is an in-memory mqtt.ClientInterface. Published messages are
// recorded, and Deliver routes a payload to a matching subscription the
// way the broker would.
type Client struct {
	m         sync.Mutex
	published []Published
	subs      map[string]mqtt.MessageHandler
}

var _ mqtt.ClientInterface = (*Client)(nil)

// New creates a new mock client.
func New() *Client {
	return &Client{subs: make(map[string]mqtt.MessageHandler)}
}

// Publish records the message.
func (c *Client) Publish(_ context.Context, topic string, payload []byte) error {
	c.m.Lock()
	defer c.m.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.published = append(c.published, Published{Topic: topic, Payload: buf})
	return nil
}

// Subscribe registers a handler for a topic filter.
func (c *Client) Subscribe(topic string, handler mqtt.MessageHandler) error {
	c.m.Lock()
	defer c.m.Unlock()
	c.subs[topic] = handler
	return nil
}

// Close is a no-op.
func (c *Client) Close() {}

// Deliver routes a payload to the first subscription whose filter matches
// the topic, emulating broker delivery. Handlers run synchronously.
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.m.Lock()
	var handler mqtt.MessageHandler
	for filter, h := range c.subs {
		if topicMatches(filter, topic) {
			handler = h
			break
		}
	}
	c.m.Unlock()

	if handler == nil {
		return false
	}
	handler(topic, payload)
	return true
}

// Published returns a copy of all recorded messages.
func (c *Client) Published() []Published {
	c.m.Lock()
	defer c.m.Unlock()
	out := make([]Published, len(c.published))
	copy(out, c.published)
	return out
}

// PublishedTo returns recorded messages for one exact topic.
func (c *Client) PublishedTo(topic string) []Published {
	c.m.Lock()
	defer c.m.Unlock()
	var out []Published
	for _, p := range c.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Reset drops all recorded messages.
func (c *Client) Reset() {
	c.m.Lock()
	defer c.m.Unlock()
	c.published = nil
}

// topicMatches implements single-level (+) and multi-level (#) MQTT
// wildcard matching.
func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")

	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
