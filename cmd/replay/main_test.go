package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"pricefeed/internal/dlq"
	"pricefeed/internal/model"
)

type sent struct {
	queue string
	body  string
}

type fakeChannel struct {
	out  []sent
	fail int
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.fail > 0 && len(f.out) == f.fail {
		return errors.New("channel closed")
	}
	f.out = append(f.out, sent{queue: key, body: string(msg.Body)})
	return nil
}

func spool(t *testing.T, bodies ...string) []model.DeadLetter {
	t.Helper()
	var buf bytes.Buffer
	for _, b := range bodies {
		enc, err := model.NewDeadLetter([]byte(b), "message validation failed", time.Now()).Bytes()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		buf.Write(enc)
		buf.WriteByte('\n')
	}
	letters, err := dlq.ReadSpool(&buf)
	if err != nil {
		t.Fatalf("read spool: %v", err)
	}
	return letters
}

func TestReplay_RoutesByFileTypeAndRestoresBodies(t *testing.T) {
	price := "{\n  \"data\": {},\n  \"metadata\": {\"file_type\": \"PriceFull\"}\n}"
	promo := `{"data": {}, "metadata": {"file_type": "PromoFull"}}`
	garbage := `not json at all`
	letters := spool(t, price, promo, garbage)

	ch := &fakeChannel{}
	n, err := replay(context.Background(), ch, router{price: "pricefull_queue", promo: "promofull_queue"}, letters)
	if err != nil || n != 3 {
		t.Fatalf("replay: n=%d err=%v", n, err)
	}
	want := []sent{
		{"pricefull_queue", price},
		{"promofull_queue", promo},
		{"pricefull_queue", garbage},
	}
	for i := range want {
		if ch.out[i] != want[i] {
			t.Fatalf("message %d: got %+v, want %+v", i, ch.out[i], want[i])
		}
	}
}

func TestReplay_FixedQueueAndFailure(t *testing.T) {
	letters := spool(t, `{"a":1}`, `{"b":2}`)
	ch := &fakeChannel{fail: 1}
	n, err := replay(context.Background(), ch, router{fixed: "manual"}, letters)
	if err == nil || n != 1 {
		t.Fatalf("want failure after first message, got n=%d err=%v", n, err)
	}
	if ch.out[0].queue != "manual" {
		t.Fatalf("queue: %s", ch.out[0].queue)
	}
}
