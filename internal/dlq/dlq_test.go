package dlq

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"pricefeed/internal/model"
)

var at = time.Date(2025, 6, 30, 8, 0, 0, 0, time.UTC)

const indented = "{\n  \"data\": {\"Items\": 5},\n  \"metadata\": {\"file_type\": \"pricefull\"}\n}"

func TestFileWriter_SpoolKeepsOriginalBytes(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "dlq.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	d1 := model.NewDeadLetter([]byte(indented), "message normalization failed: x", at)
	d2 := model.NewDeadLetter([]byte("not json"), "message parsing failed: y", at)
	if err := w.Publish(context.Background(), d1); err != nil {
		t.Fatalf("publish1: %v", err)
	}
	if err := w.Publish(context.Background(), d2); err != nil {
		t.Fatalf("publish2: %v", err)
	}

	f, err := os.Open(w.Path())
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer f.Close()
	got, err := ReadSpool(f)
	if err != nil {
		t.Fatalf("read spool: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 letters, got %d", len(got))
	}
	if string(got[0].OriginalMessage) != indented {
		t.Fatalf("original bytes changed:\n%s", got[0].OriginalMessage)
	}
	if got[1].Error != "message parsing failed: y" || string(got[1].OriginalMessage) != `"not json"` {
		t.Fatalf("second letter: %+v", got[1])
	}
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	fk := &fakeKafkaWriter{}
	kp := NewKafkaPublisherWith(fk)
	dl := model.NewDeadLetter([]byte(indented), "message validation failed", at)
	if err := kp.Publish(context.Background(), dl); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if !bytes.Contains(fk.msgs[0].Value, []byte(indented)) || len(fk.msgs[0].Key) == 0 {
		t.Fatalf("unexpected message: %s", fk.msgs[0].Value)
	}

	fk.fail = true
	if err := kp.Publish(context.Background(), dl); err == nil {
		t.Fatalf("expected error")
	}
	if err := kp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type fakeConfirm struct {
	acked bool
	err   error
}

func (c fakeConfirm) WaitContext(context.Context) (bool, error) { return c.acked, c.err }

type fakeChannel struct {
	declared  []string
	durable   bool
	confirmed bool
	keys      []string
	msgs      []amqp.Publishing
	err       error
	nack      bool
}

func (c *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.declared = append(c.declared, name)
	c.durable = durable
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) Confirm(bool) error {
	c.confirmed = true
	return nil
}

func (c *fakeChannel) PublishConfirmed(_ context.Context, queue string, msg amqp.Publishing) (Confirmation, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.keys = append(c.keys, queue)
	c.msgs = append(c.msgs, msg)
	return fakeConfirm{acked: !c.nack}, nil
}

func TestAMQPPublisher(t *testing.T) {
	ch := &fakeChannel{}
	p, err := NewAMQPPublisherWith(ch, "dead_letter_queue")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if len(ch.declared) != 1 || !ch.durable {
		t.Fatalf("queue not declared durable: %+v", ch)
	}
	if !ch.confirmed {
		t.Fatalf("channel not put in confirm mode")
	}

	dl := model.NewDeadLetter([]byte(indented), "failed to save to database: boom", at)
	if err := p.Publish(context.Background(), dl); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg := ch.msgs[0]
	if ch.keys[0] != "dead_letter_queue" {
		t.Fatalf("routing: %s", ch.keys[0])
	}
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" || msg.MessageId == "" {
		t.Fatalf("publishing props: %+v", msg)
	}
	want, _ := dl.Bytes()
	if !bytes.Equal(msg.Body, want) {
		t.Fatalf("body mismatch:\n%s\n%s", msg.Body, want)
	}

	ch.err = errors.New("channel closed")
	if err := p.Publish(context.Background(), dl); err == nil {
		t.Fatalf("expected error")
	}
}

func TestAMQPPublisher_BrokerNackIsAnError(t *testing.T) {
	ch := &fakeChannel{nack: true}
	p, err := NewAMQPPublisherWith(ch, "dead_letter_queue")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dl := model.NewDeadLetter([]byte(`{}`), "message validation failed", at)
	if err := p.Publish(context.Background(), dl); err == nil {
		t.Fatalf("nacked publish reported success")
	}
	if len(ch.msgs) != 1 {
		t.Fatalf("message not sent")
	}
}

func TestMultiPublisher_ReachesAllAndJoinsErrors(t *testing.T) {
	ok := &fakeKafkaWriter{}
	bad := &fakeKafkaWriter{fail: true}
	m := NewMultiPublisher(NewKafkaPublisherWith(bad), NewKafkaPublisherWith(ok))
	err := m.Publish(context.Background(), model.NewDeadLetter([]byte(`{}`), "x", at))
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(ok.msgs) != 1 {
		t.Fatalf("healthy publisher skipped after failure")
	}
}
