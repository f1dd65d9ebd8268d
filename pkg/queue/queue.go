// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

// Package queue wraps the broker backing the task and message queues. Both
// are durable FIFOs with at-least-once delivery: a message is only removed
// once the consumer acknowledges it, and unacked messages are redelivered
// when the consumer's connection dies.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// Delivery is one consumed message. Ack confirms completion; Nack requeues.
type Delivery struct {
	Body []byte
	Ack  func() error
	Nack func() error
}

// Publisher publishes messages to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Consumer consumes messages from a named queue.
type Consumer interface {
	Consume(ctx context.Context, queue string) (<-chan Delivery, error)
}

// Client is one connection to the broker. Channels are opened per
// producer or consumer: an AMQP channel must not be shared across
// goroutines, and never across address spaces.
type Client struct {
	conn *amqp.Connection
	url  string
}

const (
	dialAttempts = 5
	dialDelay    = 2 * time.Second
)

// Dial connects to the broker, retrying with backoff before failing fast.
func Dial(ctx context.Context, url string) (*Client, error) {
	var conn *amqp.Connection
	err := retry.Do(
		func() error {
			var err error
			conn, err = amqp.Dial(url)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(dialAttempts),
		retry.Delay(dialDelay),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("queue broker dial attempt %d failed, retrying", n+1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial queue broker: %w", err)
	}
	return &Client{conn: conn, url: url}, nil
}

// Close shuts the broker connection down, closing every channel opened on it.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Channel opens a broker channel and declares the given queues durable.
func (c *Client) Channel(queues ...string) (*Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open broker channel: %w", err)
	}
	for _, q := range queues {
		// Durable, non-autodelete: a broker restart must not lose
		// queued tasks.
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			ch.Close()
			return nil, fmt.Errorf("declare queue %s: %w", q, err)
		}
	}
	return &Channel{ch: ch}, nil
}

// Channel is one broker channel. Publishes are serialized internally so a
// Channel may be shared by goroutines of one process, but never across
// processes.
type Channel struct {
	mu sync.Mutex
	ch *amqp.Channel
}

// SetPrefetch bounds the number of unacked deliveries outstanding on this
// channel.
func (ch *Channel) SetPrefetch(n int) error {
	if err := ch.ch.Qos(n, 0, false); err != nil {
		return fmt.Errorf("set prefetch %d: %w", n, err)
	}
	return nil
}

// Publish enqueues body on the named queue with broker-side persistence.
func (ch *Channel) Publish(ctx context.Context, queue string, body []byte) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	err := ch.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume starts delivering messages from the named queue. The returned
// channel closes when ctx is canceled or the broker channel closes.
func (ch *Channel) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	deliveries, err := ch.ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume from %s: %w", queue, err)
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			d := d
			msg := Delivery{
				Body: d.Body,
				Ack:  func() error { return d.Ack(false) },
				Nack: func() error { return d.Nack(false, true) },
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Depth reports the number of messages waiting in the named queue.
func (ch *Channel) Depth(queue string) (int, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	state, err := ch.ch.QueueInspect(queue)
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", queue, err)
	}
	return state.Messages, nil
}

// Close releases the broker channel, canceling any consumer on it.
func (ch *Channel) Close() error {
	return ch.ch.Close()
}
