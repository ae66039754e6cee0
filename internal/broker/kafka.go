package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/rs/zerolog"
)

// pollInterval bounds how long Next blocks in librdkafka before rechecking ctx.
const pollInterval = 500 * time.Millisecond

// kafkaReader abstracts *ck.Consumer for testability.
type kafkaReader interface {
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	CommitMessage(m *ck.Message) ([]ck.TopicPartition, error)
	Unsubscribe() error
	Close() error
}

// KafkaSource consumes topics with manual offset commits. Ack and Nack both commit:
// a failed message has already been dead-lettered.
type KafkaSource struct {
	c   kafkaReader
	log zerolog.Logger

	// pollMu keeps Close from destroying the consumer during a poll.
	pollMu    sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func NewKafkaSource(bootstrap, groupID string, topics []string, log zerolog.Logger) (*KafkaSource, error) {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"group.id":           groupID,
		"enable.auto.commit": false,
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	if err := c.SubscribeTopics(topics, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe %v: %w", topics, err)
	}
	log.Info().Strs("topics", topics).Str("group_id", groupID).Msg("consuming")
	return NewKafkaSourceWith(c, log), nil
}

// NewKafkaSourceWith is only for tests to inject a fake consumer.
func NewKafkaSourceWith(c kafkaReader, log zerolog.Logger) *KafkaSource {
	return &KafkaSource{c: c, log: log, done: make(chan struct{})}
}

func (k *KafkaSource) Next(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		msg, ok, err := k.poll()
		if !ok {
			return Delivery{}, ErrClosed
		}
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) && kerr.Code() == ck.ErrTimedOut {
				continue
			}
			return Delivery{}, fmt.Errorf("read message: %w", err)
		}
		topic := ""
		if msg.TopicPartition.Topic != nil {
			topic = *msg.TopicPartition.Topic
		}
		commit := func() error {
			_, err := k.c.CommitMessage(msg)
			return err
		}
		return Delivery{Queue: topic, Body: msg.Value, ack: commit, nack: commit}, nil
	}
}

// poll reads one message unless the source is closed, in which case ok is false.
func (k *KafkaSource) poll() (*ck.Message, bool, error) {
	k.pollMu.Lock()
	defer k.pollMu.Unlock()
	select {
	case <-k.done:
		return nil, false, nil
	default:
	}
	msg, err := k.c.ReadMessage(pollInterval)
	return msg, true, err
}

func (k *KafkaSource) Cancel() error { return k.c.Unsubscribe() }

// Close ends pending and future Next calls with ErrClosed, waiting for a poll in
// progress before closing the consumer.
func (k *KafkaSource) Close() error {
	var err error
	k.closeOnce.Do(func() {
		close(k.done)
		k.pollMu.Lock()
		defer k.pollMu.Unlock()
		err = k.c.Close()
	})
	return err
}
