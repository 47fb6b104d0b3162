package natsutil

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pairtask/project/internal/messaging"
)

const defaultRetryInterval = 500 * time.Millisecond

// Client bundles the core connection with its JetStream context. Close drains
// before closing so in-flight publishes land.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

// ConnectConfig controls the startup dial loop. The services come up before
// the broker in most deployments, so Connect keeps retrying until Timeout
// rather than failing on the first refused dial.
type ConnectConfig struct {
	URL           string
	Timeout       time.Duration
	RetryInterval time.Duration
}

// Connect dials NATS, obtains a JetStream context and provisions the change
// stream, retrying at RetryInterval until Timeout elapses.
func Connect(cfg ConnectConfig) (*Client, error) {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	deadline := time.Now().Add(cfg.Timeout)

	var lastErr error
	for {
		client, err := dial(cfg.URL)
		if err == nil {
			return client, nil
		}
		lastErr = err
		if !time.Now().Add(cfg.RetryInterval).Before(deadline) {
			return nil, fmt.Errorf("connect jetstream timeout after %s: %w", cfg.Timeout, lastErr)
		}
		time.Sleep(cfg.RetryInterval)
	}
}

func dial(url string) (*Client, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err == nil {
		err = messaging.EnsureChangeStream(js)
	}
	if err != nil {
		_ = conn.Drain()
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

// Publisher is the store's outbound event hook, satisfied by
// JetStreamPublisher in production and by plain funcs in tests.
type Publisher interface {
	Publish(subject string, payload []byte) error
}

type JetStreamPublisher struct {
	JS nats.JetStreamContext
}

func (p JetStreamPublisher) Publish(subject string, payload []byte) error {
	_, err := p.JS.Publish(subject, payload)
	return err
}
