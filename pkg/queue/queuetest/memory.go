// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

// Package queuetest provides an in-memory broker with the same contract as
// the AMQP backend: FIFO order, ack removes, nack requeues at the front.
// It backs the pipeline tests so they need no running broker.
package queuetest

import (
	"context"
	"sync"

	"github.com/qserver/qserver/pkg/queue"
)

// Broker is an in-memory queue backend. The zero value is not usable; call
// NewBroker.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
}

type memQueue struct {
	pending [][]byte
	wake    chan struct{}
}

// NewBroker returns an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*memQueue)}
}

func (b *Broker) queue(name string) *memQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &memQueue{wake: make(chan struct{}, 1)}
		b.queues[name] = q
	}
	return q
}

// Publish implements queue.Publisher.
func (b *Broker) Publish(_ context.Context, name string, body []byte) error {
	q := b.queue(name)
	b.mu.Lock()
	q.pending = append(q.pending, body)
	b.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Consume implements queue.Consumer. Deliveries are handed out one at a time
// per consumer; competing consumers share the same FIFO.
func (b *Broker) Consume(ctx context.Context, name string) (<-chan queue.Delivery, error) {
	q := b.queue(name)
	out := make(chan queue.Delivery)
	go func() {
		defer close(out)
		for {
			body, ok := b.pop(q)
			if !ok {
				select {
				case <-q.wake:
					continue
				case <-ctx.Done():
					return
				}
			}
			d := queue.Delivery{
				Body: body,
				Ack:  func() error { return nil },
				Nack: func() error { return b.requeue(q, body) },
			}
			select {
			case out <- d:
			case <-ctx.Done():
				// Undelivered message goes back, like an unacked
				// delivery on a dead consumer.
				b.requeue(q, body) //nolint:errcheck
				return
			}
		}
	}()
	return out, nil
}

func (b *Broker) pop(q *memQueue) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, false
	}
	body := q.pending[0]
	q.pending = q.pending[1:]
	return body, true
}

func (b *Broker) requeue(q *memQueue, body []byte) error {
	b.mu.Lock()
	q.pending = append([][]byte{body}, q.pending...)
	b.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// BrokerChannel adapts a Broker to consumers that expect a closable
// per-consumer channel, like the processor's task channels.
type BrokerChannel struct {
	*Broker
}

// Channel returns a channel view of the broker. Close is a no-op; the broker
// has no per-channel state.
func Channel(b *Broker) *BrokerChannel {
	return &BrokerChannel{Broker: b}
}

// Close implements the channel contract.
func (*BrokerChannel) Close() error { return nil }

// Messages returns a snapshot of the undelivered messages in the named
// queue, oldest first.
func (b *Broker) Messages(name string) [][]byte {
	q := b.queue(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(q.pending))
	copy(out, q.pending)
	return out
}

// Depth reports the number of undelivered messages in the named queue.
func (b *Broker) Depth(name string) (int, error) {
	q := b.queue(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(q.pending), nil
}
