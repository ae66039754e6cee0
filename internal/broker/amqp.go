package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// amqpChannel abstracts *amqp.Channel for testability.
type amqpChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

type inbound struct {
	queue string
	d     amqp.Delivery
}

// AMQPSource consumes several durable queues over one channel with manual acks.
// The prefetch is set channel-wide (global QoS), so it bounds unacknowledged
// deliveries across all queues together.
type AMQPSource struct {
	ch     amqpChannel
	conn   io.Closer
	tags   []string
	merged chan inbound
	done   chan struct{}
	log    zerolog.Logger

	cancelOnce sync.Once
	closeOnce  sync.Once
}

// DialAMQP connects to url and starts consuming queues with the given prefetch.
// The returned connection is also handed back so publishers can share it.
func DialAMQP(url string, queues []string, prefetch int, log zerolog.Logger) (*AMQPSource, *amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	src, err := NewAMQPSource(ch, conn, queues, prefetch, log)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return src, conn, nil
}

// NewAMQPSource declares each queue durable, sets QoS and starts one consumer per
// queue. conn may be nil.
func NewAMQPSource(ch amqpChannel, conn io.Closer, queues []string, prefetch int, log zerolog.Logger) (*AMQPSource, error) {
	if err := ch.Qos(prefetch, 0, true); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	s := &AMQPSource{
		ch:     ch,
		conn:   conn,
		merged: make(chan inbound),
		done:   make(chan struct{}),
		log:    log,
	}
	var wg sync.WaitGroup
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declare %s: %w", q, err)
		}
		tag := "enricher-" + q
		deliveries, err := ch.Consume(q, tag, false, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("consume %s: %w", q, err)
		}
		s.tags = append(s.tags, tag)
		wg.Add(1)
		go s.forward(&wg, q, deliveries)
		log.Info().Str("queue", q).Int("prefetch", prefetch).Msg("consuming")
	}
	go func() {
		wg.Wait()
		close(s.merged)
	}()
	return s, nil
}

func (s *AMQPSource) forward(wg *sync.WaitGroup, queue string, deliveries <-chan amqp.Delivery) {
	defer wg.Done()
	for d := range deliveries {
		select {
		case s.merged <- inbound{queue: queue, d: d}:
		case <-s.done:
			return
		}
	}
}

func (s *AMQPSource) Next(ctx context.Context) (Delivery, error) {
	select {
	case in, ok := <-s.merged:
		if !ok {
			return Delivery{}, ErrClosed
		}
		d := in.d
		return Delivery{
			Queue: in.queue,
			Body:  d.Body,
			ack:   func() error { return d.Ack(false) },
			nack:  func() error { return d.Nack(false, false) },
		}, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-s.done:
		return Delivery{}, ErrClosed
	}
}

// Cancel stops every consumer so the broker sends nothing more.
func (s *AMQPSource) Cancel() error {
	var errs []error
	s.cancelOnce.Do(func() {
		for _, tag := range s.tags {
			if err := s.ch.Cancel(tag, false); err != nil {
				errs = append(errs, fmt.Errorf("cancel %s: %w", tag, err))
			}
		}
	})
	return errors.Join(errs...)
}

// Close releases the channel and the connection. Unsettled deliveries are
// redelivered by the broker.
func (s *AMQPSource) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
		if s.conn != nil {
			if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("close connection: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}
