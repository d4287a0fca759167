package natsutil

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/decisionbot/project/internal/messaging"
)

type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
}

func ConnectJetStream(url string) (*Client, error) {
	conn, err := nats.Connect(url, nats.Name("decisionbot"))
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := messaging.EnsureStreams(js); err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{Conn: conn, JS: js}, nil
}

// ConnectJetStreamWithRetry keeps dialing with exponential backoff until
// timeout elapses.
func ConnectJetStreamWithRetry(url string, timeout time.Duration) (*Client, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = timeout

	var client *Client
	err := backoff.Retry(func() error {
		c, err := ConnectJetStream(url)
		if err != nil {
			return err
		}
		client = c
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("connect jetstream timeout after %s: %w", timeout, err)
	}
	return client, nil
}

func (c *Client) Close() {
	if c == nil || c.Conn == nil {
		return
	}
	_ = c.Conn.Drain()
	c.Conn.Close()
}

type Publisher interface {
	Publish(subject, msgID string, payload []byte) error
}

type JetStreamPublisher struct {
	JS nats.JetStreamContext
}

// Publish sends payload with msgID as the JetStream dedup key. Redelivered
// webhooks carrying the same id inside the stream's duplicate window are dropped.
func (p JetStreamPublisher) Publish(subject, msgID string, payload []byte) error {
	var opts []nats.PubOpt
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	_, err := p.JS.Publish(subject, payload, opts...)
	return err
}
