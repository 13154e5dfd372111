// Package natsclient wraps the NATS connection used across the daemon:
// core pub/sub for intake and facades, JetStream KV for ruleset
// persistence.
package natsclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/openremote/openremote-sub002/errors"
)

// Options tunes the connection.
type Options struct {
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultOptions reconnects indefinitely; the rules service is useless
// without its bus.
func DefaultOptions() Options {
	return Options{
		Name:          "openremote-rules",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Client owns one NATS connection and its JetStream context.
type Client struct {
	logger *slog.Logger
	url    string
	opts   Options

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
}

// New creates a disconnected client.
func New(url string, opts Options) *Client {
	return &Client{
		logger: slog.Default().With("component", "NATSClient"),
		url:    url,
		opts:   opts,
	}
}

// Connect establishes the connection and the JetStream context.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return errors.ErrAlreadyStarted
	}

	conn, err := nats.Connect(c.url,
		nats.Name(c.opts.Name),
		nats.MaxReconnects(c.opts.MaxReconnects),
		nats.ReconnectWait(c.opts.ReconnectWait),
		nats.Timeout(c.opts.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			c.logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return errors.Wrap(err, "NATSClient", "Connect", "connect")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "NATSClient", "Connect", "jetstream context")
	}

	c.conn = conn
	c.js = js
	c.logger.Info("connected", "url", conn.ConnectedUrl())
	return nil
}

// Close drains the connection so in-flight messages are delivered.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.js = nil
}

// Conn returns the raw connection, nil before Connect.
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool {
	conn := c.Conn()
	return conn != nil && conn.IsConnected()
}

// Publish sends one message.
func (c *Client) Publish(subject string, data []byte) error {
	conn := c.Conn()
	if conn == nil {
		return errors.ErrNoConnection
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.Wrap(err, "NATSClient", "Publish", subject)
	}
	return nil
}

// Subscribe registers an async handler for a subject.
func (c *Client) Subscribe(subject string, handler func(data []byte)) (*nats.Subscription, error) {
	conn := c.Conn()
	if conn == nil {
		return nil, errors.ErrNoConnection
	}
	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, errors.Wrap(err, "NATSClient", "Subscribe", subject)
	}
	return sub, nil
}

// KeyValueBucket returns the named KV bucket, creating it when absent.
func (c *Client) KeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		return nil, errors.ErrNoConnection
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "NATSClient", "KeyValueBucket", cfg.Bucket)
	}
	return kv, nil
}
