// Package dlq publishes dead letters to the broker, a Kafka topic or a local spool.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"pricefeed/internal/model"
)

// Publisher durably records one dead letter. A returned error means the letter
// may not have been stored.
type Publisher interface {
	Publish(ctx context.Context, dl model.DeadLetter) error
}

// MultiPublisher fans out to every publisher and joins their errors.
type MultiPublisher struct {
	pubs []Publisher
}

func NewMultiPublisher(ps ...Publisher) *MultiPublisher {
	return &MultiPublisher{pubs: ps}
}

func (m *MultiPublisher) Publish(ctx context.Context, dl model.DeadLetter) error {
	var errs []error
	for _, p := range m.pubs {
		if err := p.Publish(ctx, dl); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileWriter appends dead letters to a local spool, one JSON value per line.
// original_message keeps its bytes, so an indented body spans several lines; read the
// spool with a json.Decoder, not a line scanner.
type FileWriter struct {
	mu   sync.Mutex
	path string
}

func NewFileWriter(dir string, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Path() string { return w.path }

func (w *FileWriter) Publish(_ context.Context, dl model.DeadLetter) error {
	b, err := dl.Bytes()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return f.Sync()
}

// ReadSpool decodes every dead letter in r, in file order.
func ReadSpool(r io.Reader) ([]model.DeadLetter, error) {
	dec := json.NewDecoder(r)
	var out []model.DeadLetter
	for {
		var raw struct {
			OriginalMessage json.RawMessage `json:"original_message"`
			Error           string          `json:"error"`
			Timestamp       string          `json:"timestamp"`
		}
		if err := dec.Decode(&raw); err == io.EOF {
			return out, nil
		} else if err != nil {
			return out, fmt.Errorf("decode dead letter %d: %w", len(out), err)
		}
		out = append(out, model.DeadLetter{OriginalMessage: raw.OriginalMessage, Error: raw.Error, Timestamp: raw.Timestamp})
	}
}

// Confirmation is a pending broker acknowledgement of one publish.
type Confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// ConfirmChannel is a channel in publisher-confirm mode. Tests supply fakes through
// NewAMQPPublisherWith.
type ConfirmChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Confirm(noWait bool) error
	PublishConfirmed(ctx context.Context, queue string, msg amqp.Publishing) (Confirmation, error)
}

// amqpConfirmChannel adapts *amqp.Channel to ConfirmChannel.
type amqpConfirmChannel struct {
	*amqp.Channel
}

func (c amqpConfirmChannel) PublishConfirmed(ctx context.Context, queue string, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("channel is not in confirm mode")
	}
	return dc, nil
}

// AMQPPublisher publishes persistent messages to a durable queue through the default
// exchange. Publish returns only after the broker has confirmed the message.
type AMQPPublisher struct {
	ch    ConfirmChannel
	queue string
}

// NewAMQPPublisher puts ch in confirm mode and declares queue as durable.
func NewAMQPPublisher(ch *amqp.Channel, queue string) (*AMQPPublisher, error) {
	return NewAMQPPublisherWith(amqpConfirmChannel{ch}, queue)
}

// NewAMQPPublisherWith is used by tests to inject a fake channel.
func NewAMQPPublisherWith(ch ConfirmChannel, queue string) (*AMQPPublisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare %s: %w", queue, err)
	}
	return &AMQPPublisher{ch: ch, queue: queue}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, dl model.DeadLetter) error {
	b, err := dl.Bytes()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	conf, err := p.ch.PublishConfirmed(ctx, p.queue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         b,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", p.queue, err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm from %s: %w", p.queue, err)
	}
	if !acked {
		return fmt.Errorf("broker rejected dead letter for %s", p.queue)
	}
	return nil
}

// KafkaPublisher writes dead letters to a Kafka topic. Pure-Go client (segmentio/kafka-go).
type KafkaPublisher struct {
	writer kafkaMessageWriter
}

// kafkaMessageWriter abstracts kafka.Writer for testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaPublisher creates a synchronous writer acknowledged by all replicas.
// bootstrap can be a comma-separated list of host:port.
func NewKafkaPublisher(bootstrap string, topic string) *KafkaPublisher {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		if a = strings.TrimSpace(a); a != "" {
			brokers = append(brokers, a)
		}
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

// NewKafkaPublisherWith is only for tests to inject a fake writer.
func NewKafkaPublisherWith(w kafkaMessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, dl model.DeadLetter) error {
	b, err := dl.Bytes()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(uuid.NewString()),
		Value: b,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	})
}

// Close flushes the underlying writer when it supports it.
func (k *KafkaPublisher) Close() error {
	if c, ok := k.writer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
