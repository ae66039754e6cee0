// Package broker delivers inbound feed messages from RabbitMQ queues or Kafka topics.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by Next once the source has no more deliveries.
var ErrClosed = errors.New("delivery stream closed")

// Delivery is one inbound message. Exactly one of Ack or Nack must be called.
type Delivery struct {
	Queue string
	Body  []byte

	ack  func() error
	nack func() error
}

// NewDelivery builds a delivery with explicit settle callbacks. Used by tests and
// in-process sources.
func NewDelivery(queue string, body []byte, ack, nack func() error) Delivery {
	return Delivery{Queue: queue, Body: body, ack: ack, nack: nack}
}

// Ack settles the message as processed.
func (d Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nack settles the message as failed without asking for redelivery.
func (d Delivery) Nack() error {
	if d.nack == nil {
		return nil
	}
	return d.nack()
}

// Source yields deliveries one at a time.
type Source interface {
	// Next blocks until a delivery arrives, ctx is done or the stream ends (ErrClosed).
	Next(ctx context.Context) (Delivery, error)
	// Cancel stops new deliveries. Messages already received may still be settled.
	Cancel() error
	Close() error
}
