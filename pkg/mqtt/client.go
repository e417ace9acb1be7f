// Package mqtt provides the MQTT client used for the device link, with
// automatic reconnection and subscription replay.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	// Wait this long for the initial broker connection.
	connectTimeout = 10 * time.Second

	// Delay before the first reconnect attempt after a dropped connection.
	reconnectDelay = 5 * time.Second

	// Default QoS for all device traffic. At-least-once matches the
	// protocol design: every inbound path is idempotent.
	defaultQoS = 1
)

var (
	errNotConnected = errors.New("not connected to the broker")
	errConnectWait  = errors.New("timed out waiting for broker connection")
)

// Config holds the configuration for the MQTT client.
type Config struct {
	Logger *slog.Logger
	// BrokerURL is the broker address, e.g. tls://host:8883 or tcp://host:1883.
	BrokerURL string
	// ClientID identifies this server instance to the broker.
	ClientID string
	Username string
	Password string
}

// Client wraps a paho MQTT connection. Subscriptions registered through
// Subscribe are replayed after every reconnect.
type Client struct {
	m      sync.Mutex
	logger *slog.Logger
	conn   paho.Client
	subs   map[string]MessageHandler
}

// New creates a new Client and connects to the broker.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.BrokerURL == "" {
		return nil, errors.New("broker URL cannot be empty")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID cannot be empty")
	}

	client := &Client{
		logger: cfg.Logger,
		subs:   make(map[string]MessageHandler),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectDelay).
		SetOnConnectHandler(client.onConnect).
		SetConnectionLostHandler(client.onConnectionLost)

	client.conn = paho.NewClient(opts)

	token := client.conn.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, errConnectWait
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	client.logger.Info("connected to broker", "url", cfg.BrokerURL)
	return client, nil
}

// onConnect replays all registered subscriptions. Paho drops them on
// reconnect when the broker starts a fresh session.
func (c *Client) onConnect(conn paho.Client) {
	c.m.Lock()
	defer c.m.Unlock()

	for topic, handler := range c.subs {
		if err := c.subscribe(conn, topic, handler); err != nil {
			c.logger.Error("failed to restore subscription", "topic", topic, "error", err)
		}
	}
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.logger.Warn("broker connection lost, reconnecting", "error", err)
}

func (c *Client) subscribe(conn paho.Client, topic string, handler MessageHandler) error {
	token := conn.Subscribe(topic, defaultQoS, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// Subscribe registers a handler for a topic filter. The subscription
// survives reconnects.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.m.Lock()
	c.subs[topic] = handler
	c.m.Unlock()

	if !c.conn.IsConnectionOpen() {
		// The onConnect handler will pick it up once the link is back.
		return nil
	}
	if err := c.subscribe(c.conn, topic, handler); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	c.logger.Info("subscribed", "topic", topic)
	return nil
}

// Publish sends a payload to the given topic and waits for broker acceptance.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.conn.IsConnected() {
		return errNotConnected
	}

	token := c.conn.Publish(topic, defaultQoS, false, payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight work to drain.
func (c *Client) Close() {
	c.conn.Disconnect(250)
	c.logger.Info("disconnected from broker")
}
