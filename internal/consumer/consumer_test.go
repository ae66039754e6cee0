package consumer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricefeed/internal/brand"
	"pricefeed/internal/broker"
	"pricefeed/internal/dlq"
	"pricefeed/internal/enricher"
	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
	"pricefeed/internal/normalizer"
	"pricefeed/internal/store"
	"pricefeed/internal/validator"
)

const cocaCola = `{"data": {"ChainId": "7290", "Items": {"Item": {
	"ItemCode": "7290000000001", "ItemName": "קוקה קולה 1.5 ליטר", "ManufacturerName": "", "ItemPrice": "6.90",
	"PriceUpdateDate": "2025-06-30 08:34"}}},
	"metadata": {"file_type": "pricefull", "store_id": "001", "supermarket": "shufersal"}}`

type settle struct {
	acked  bool
	nacked bool
}

type fakeSource struct {
	mu        sync.Mutex
	bodies    []string
	settles   []*settle
	nextCalls int
	cancelled bool
	closed    bool
	block     bool
	stop      chan struct{}
}

func newFakeSource(bodies ...string) *fakeSource {
	return &fakeSource{bodies: bodies, stop: make(chan struct{})}
}

func (s *fakeSource) Next(ctx context.Context) (broker.Delivery, error) {
	s.mu.Lock()
	s.nextCalls++
	if s.closed {
		s.mu.Unlock()
		return broker.Delivery{}, broker.ErrClosed
	}
	if len(s.bodies) == 0 {
		s.mu.Unlock()
		if !s.block {
			return broker.Delivery{}, broker.ErrClosed
		}
		select {
		case <-ctx.Done():
			return broker.Delivery{}, ctx.Err()
		case <-s.stop:
			return broker.Delivery{}, broker.ErrClosed
		}
	}
	body := s.bodies[0]
	s.bodies = s.bodies[1:]
	st := &settle{}
	s.settles = append(s.settles, st)
	s.mu.Unlock()
	return broker.NewDelivery("pricefull_queue", []byte(body),
		func() error { st.acked = true; return nil },
		func() error { st.nacked = true; return nil },
	), nil
}

func (s *fakeSource) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
	return nil
}

type fakePublisher struct {
	letters []model.DeadLetter
	err     error
}

func (p *fakePublisher) Publish(_ context.Context, dl model.DeadLetter) error {
	if p.err != nil {
		return p.err
	}
	p.letters = append(p.letters, dl)
	return nil
}

type failingStore struct {
	*store.InMemoryStore
	err    error
	closed bool
}

func (s *failingStore) Persist(ctx context.Context, rec model.Record) error {
	if s.err != nil {
		return s.err
	}
	return s.InMemoryStore.Persist(ctx, rec)
}

func (s *failingStore) Close() error { s.closed = true; return nil }

type harness struct {
	src     *fakeSource
	pub     *fakePublisher
	store   *failingStore
	metrics *metrics.Registry
	c       *Consumer
}

func newHarness(t *testing.T, limit int, bodies ...string) *harness {
	t.Helper()
	h := &harness{
		src:     newFakeSource(bodies...),
		pub:     &fakePublisher{},
		store:   &failingStore{InMemoryStore: store.NewInMemoryStore()},
		metrics: metrics.NewRegistry(),
	}
	c, err := New(Deps{
		Source:      h.src,
		Normalizer:  normalizer.New(zerolog.Nop()),
		Validator:   validator.New(),
		Enricher:    enricher.New(brand.NewRuleBased()),
		Store:       h.store,
		DeadLetters: h.pub,
		Metrics:     h.metrics,
		Log:         zerolog.Nop(),
	}, Options{Limit: limit, Now: func() time.Time { return time.Date(2025, 6, 30, 9, 0, 0, 0, time.UTC) }})
	require.NoError(t, err)
	h.c = c
	return h
}

func TestRun_PersistsEnrichedItemAndAcks(t *testing.T) {
	h := newHarness(t, 0, cocaCola)
	require.NoError(t, h.c.Run(context.Background()))

	require.Len(t, h.src.settles, 1)
	assert.True(t, h.src.settles[0].acked)
	assert.False(t, h.src.settles[0].nacked)
	assert.Empty(t, h.pub.letters)

	row, ok := h.store.GetItem("7290", "001", "7290000000001", "2025-06-30")
	require.True(t, ok)
	assert.Equal(t, "קוקה קולה", row.Brand)
	assert.Equal(t, "6.9", row.Price.String())
	assert.Equal(t, "08:34", row.LastUpdateTime)

	assert.Equal(t, Counts{Processed: 1, Succeeded: 1}, h.c.Counts())
	assert.Equal(t, Stopped, h.c.State())
	assert.True(t, h.src.cancelled)
	assert.True(t, h.src.closed)
	assert.True(t, h.store.closed)
}

func TestRun_DeadLettersEachFailureStage(t *testing.T) {
	indented := "{\n  \"data\": [1, 2],\n  \"metadata\": {\"file_type\": \"pricefull\"}\n}"
	cases := []struct {
		name   string
		body   string
		dbErr  error
		stage  Stage
		prefix string
	}{
		{"parse", `{"data": `, nil, StageParse, "message parsing failed: "},
		{"not an object", `[1, 2]`, nil, StageParse, "message parsing failed: "},
		{"normalize", indented, nil, StageNormalize, "message normalization failed: "},
		{"validate", `{"data": {"ChainId": "1", "Items": {"Item": {"ItemCode": "A", "ItemName": "x", "PriceUpdateDate": "2025-06-30"}}},
			"metadata": {"file_type": "pricefull"}}`, nil, StageValidate, "message validation failed"},
		{"persist", cocaCola, errors.New("connection reset"), StagePersist, "failed to save to database: connection reset"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, 0, tc.body)
			h.store.err = tc.dbErr
			require.NoError(t, h.c.Run(context.Background()))

			require.Len(t, h.src.settles, 1)
			assert.False(t, h.src.settles[0].acked)
			assert.True(t, h.src.settles[0].nacked)

			require.Len(t, h.pub.letters, 1)
			dl := h.pub.letters[0]
			assert.True(t, strings.HasPrefix(dl.Error, tc.prefix), "reason %q", dl.Error)
			assert.Equal(t, "2025-06-30T09:00:00Z", dl.Timestamp)
			if tc.name != "parse" {
				assert.Equal(t, tc.body, string(dl.OriginalMessage), "original bytes preserved")
			}

			assert.Equal(t, Counts{Processed: 1, Failed: 1}, h.c.Counts())
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DeadLetters.WithLabelValues(string(tc.stage))))
		})
	}
}

func TestRun_BoundedRunStopsBeforeNextDelivery(t *testing.T) {
	h := newHarness(t, 3, cocaCola, `bad`, cocaCola, cocaCola, cocaCola)
	require.NoError(t, h.c.Run(context.Background()))

	assert.Equal(t, 3, h.src.nextCalls)
	assert.Len(t, h.src.bodies, 2, "remaining deliveries untouched")
	assert.Equal(t, Counts{Processed: 3, Succeeded: 2, Failed: 1}, h.c.Counts())
	assert.Equal(t, Stopped, h.c.State())
}

func TestRun_DeadLetterFailureIsFatal(t *testing.T) {
	h := newHarness(t, 0, `bad`, cocaCola)
	h.pub.err = errors.New("dlq unreachable")

	err := h.c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dlq unreachable")

	require.Len(t, h.src.settles, 1)
	assert.False(t, h.src.settles[0].acked)
	assert.False(t, h.src.settles[0].nacked, "message stays pending for redelivery")
	assert.Equal(t, Counts{}, h.c.Counts())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DeadLetterFailures))
	assert.Equal(t, Stopped, h.c.State())
}

type nackingConfirm struct{}

func (nackingConfirm) WaitContext(context.Context) (bool, error) { return false, nil }

// nackingChannel accepts every publish and then has the broker reject it.
type nackingChannel struct{ published int }

func (c *nackingChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}

func (c *nackingChannel) Confirm(bool) error { return nil }

func (c *nackingChannel) PublishConfirmed(context.Context, string, amqp.Publishing) (dlq.Confirmation, error) {
	c.published++
	return nackingConfirm{}, nil
}

func TestRun_BrokerRejectedDeadLetterLeavesMessagePending(t *testing.T) {
	h := newHarness(t, 0, `bad`)
	ch := &nackingChannel{}
	pub, err := dlq.NewAMQPPublisherWith(ch, "dead_letter_queue")
	require.NoError(t, err)
	h.c.d.DeadLetters = pub

	require.Error(t, h.c.Run(context.Background()))
	assert.Equal(t, 1, ch.published)
	require.Len(t, h.src.settles, 1)
	assert.False(t, h.src.settles[0].acked)
	assert.False(t, h.src.settles[0].nacked, "source message must not be dropped")
	assert.Equal(t, Counts{}, h.c.Counts())
}

func TestRun_ContextCancelStops(t *testing.T) {
	h := newHarness(t, 0, cocaCola)
	h.src.block = true
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.c.Run(ctx) }()

	require.Eventually(t, func() bool { return h.c.Counts().Processed == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, Stopped, h.c.State())
}

func TestStop_IsIdempotentAndEndsRun(t *testing.T) {
	h := newHarness(t, 0)
	h.src.block = true

	done := make(chan error, 1)
	go func() { done <- h.c.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		h.src.mu.Lock()
		defer h.src.mu.Unlock()
		return h.src.nextCalls > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.c.Stop())
	require.NoError(t, h.c.Stop())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, Stopped, h.c.State())
	assert.True(t, h.store.closed)
}

func TestProcess_GenericIsAcceptedWithoutRows(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.c.Process(context.Background(), []byte(`{"data": {"x": 1}, "metadata": {"file_type": "other"}}`)))
	items, stores := h.store.Len()
	assert.Zero(t, items+stores)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}
