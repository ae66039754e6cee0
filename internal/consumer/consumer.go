// Package consumer drives each delivery through normalize, validate, enrich and
// persist, then acknowledges it or routes it to the dead-letter channel.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"pricefeed/internal/broker"
	"pricefeed/internal/dlq"
	"pricefeed/internal/logger"
	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
	"pricefeed/internal/store"
	"pricefeed/internal/validator"
)

type State int32

const (
	Running State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Stage names the pipeline step a message failed in.
type Stage string

const (
	StageParse     Stage = "parse"
	StageNormalize Stage = "normalize"
	StageValidate  Stage = "validate"
	StagePersist   Stage = "persist"
)

// Failure is a per-message processing error. Its text is the dead-letter reason.
type Failure struct {
	Stage  Stage
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Reason
	}
	return f.Reason + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }

type Normalizer interface {
	Normalize(env model.Envelope) (model.Record, error)
}

type Enricher interface {
	Enrich(ctx context.Context, rec model.Record) model.Record
}

// Deps are the collaborators of a Consumer. Metrics is optional.
type Deps struct {
	Source      broker.Source
	Normalizer  Normalizer
	Validator   validator.Validator
	Enricher    Enricher
	Store       store.Store
	DeadLetters dlq.Publisher
	Metrics     *metrics.Registry
	Log         zerolog.Logger
}

type Options struct {
	// Limit stops the loop after this many processed messages. 0 means unbounded.
	Limit int
	Now   func() time.Time
}

// Counts are the per-process message counters.
type Counts struct {
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Consumer processes one message at a time. Run and Stop may be called from
// different goroutines; Stop waits for the message in progress to settle.
type Consumer struct {
	d    Deps
	opts Options
	log  zerolog.Logger

	state     atomic.Int32
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	// inflight is held while a message is processed and while stopping.
	inflight sync.Mutex
	stopOnce sync.Once
	stopErr  error
}

func New(d Deps, opts Options) (*Consumer, error) {
	switch {
	case d.Source == nil:
		return nil, errors.New("consumer: nil source")
	case d.Normalizer == nil:
		return nil, errors.New("consumer: nil normalizer")
	case d.Validator == nil:
		return nil, errors.New("consumer: nil validator")
	case d.Enricher == nil:
		return nil, errors.New("consumer: nil enricher")
	case d.Store == nil:
		return nil, errors.New("consumer: nil store")
	case d.DeadLetters == nil:
		return nil, errors.New("consumer: nil dead-letter publisher")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Consumer{d: d, opts: opts, log: d.Log}, nil
}

func (c *Consumer) State() State { return State(c.state.Load()) }

func (c *Consumer) Counts() Counts {
	return Counts{
		Processed: c.processed.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
	}
}

// Run consumes until ctx is done, the source ends, the bounded-run limit is reached or
// a fatal error occurs, then stops. Only fatal errors are returned: a dead letter or
// acknowledgement that could not be delivered.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.Stop()
	c.log.Info().Int("limit", c.opts.Limit).Msg("consumer running")
	for {
		if c.opts.Limit > 0 && c.processed.Load() >= int64(c.opts.Limit) {
			c.log.Info().Int("limit", c.opts.Limit).Msg("bounded run limit reached")
			return nil
		}
		if ctx.Err() != nil || c.State() != Running {
			return nil
		}
		d, err := c.d.Source.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, broker.ErrClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("next delivery: %w", err)
		}
		if err := c.handle(ctx, d); err != nil {
			return err
		}
	}
}

// handle settles one delivery. The message runs to completion even if ctx is
// cancelled meanwhile.
func (c *Consumer) handle(ctx context.Context, d broker.Delivery) error {
	c.inflight.Lock()
	defer c.inflight.Unlock()
	if c.State() == Stopped {
		// Source already closed; the broker redelivers the unsettled message.
		return nil
	}
	start := c.opts.Now()
	log := c.log.With().Str("queue", d.Queue).Int("bytes", len(d.Body)).Logger()
	ctx = logger.WithContext(context.WithoutCancel(ctx), log)

	perr := c.Process(ctx, d.Body)
	if perr == nil {
		if err := d.Ack(); err != nil {
			return fmt.Errorf("ack message from %s: %w", d.Queue, err)
		}
		c.count(true, "", start)
		log.Info().Msg("message processed")
		return nil
	}

	var f *Failure
	stage := Stage("unknown")
	if errors.As(perr, &f) {
		stage = f.Stage
	}
	dl := model.NewDeadLetter(d.Body, perr.Error(), c.opts.Now())
	if err := c.d.DeadLetters.Publish(ctx, dl); err != nil {
		if c.d.Metrics != nil {
			c.d.Metrics.DeadLetterFailures.Inc()
		}
		log.Error().Err(err).Str("stage", string(stage)).Msg("dead letter not stored, leaving message unacknowledged")
		return fmt.Errorf("publish dead letter: %w", err)
	}
	if err := d.Nack(); err != nil {
		return fmt.Errorf("nack message from %s: %w", d.Queue, err)
	}
	c.count(false, stage, start)
	log.Warn().Str("stage", string(stage)).Str("reason", perr.Error()).Msg("message dead-lettered")
	return nil
}

// Process runs the pipeline for one message body without settling it. The error is
// a *Failure.
func (c *Consumer) Process(ctx context.Context, body []byte) error {
	env, err := model.ParseEnvelope(body)
	if err != nil {
		return &Failure{Stage: StageParse, Reason: "message parsing failed", Err: err}
	}
	rec, err := c.d.Normalizer.Normalize(env)
	if err != nil {
		return &Failure{Stage: StageNormalize, Reason: "message normalization failed", Err: err}
	}
	if !c.d.Validator.Validate(rec) {
		return &Failure{Stage: StageValidate, Reason: "message validation failed"}
	}
	rec = c.d.Enricher.Enrich(ctx, rec)
	if err := c.d.Store.Persist(ctx, rec); err != nil {
		return &Failure{Stage: StagePersist, Reason: "failed to save to database", Err: err}
	}
	c.log.Debug().Str("kind", string(rec.Kind())).Str("file_type", env.Metadata.FileType()).Msg("record persisted")
	return nil
}

func (c *Consumer) count(ok bool, stage Stage, start time.Time) {
	c.processed.Add(1)
	if ok {
		c.succeeded.Add(1)
	} else {
		c.failed.Add(1)
	}
	m := c.d.Metrics
	if m == nil {
		return
	}
	m.Processed.Inc()
	if ok {
		m.Succeeded.Inc()
	} else {
		m.Failed.Inc()
		m.DeadLetters.WithLabelValues(string(stage)).Inc()
	}
	m.LatencySec.Observe(c.opts.Now().Sub(start).Seconds())
}

// Stop cancels new deliveries, waits for the message in progress, releases the
// broker and the store and logs the final counts. It is idempotent.
func (c *Consumer) Stop() error {
	c.stopOnce.Do(func() {
		c.state.CompareAndSwap(int32(Running), int32(Draining))
		var errs []error
		if err := c.d.Source.Cancel(); err != nil {
			errs = append(errs, fmt.Errorf("cancel deliveries: %w", err))
		}

		c.inflight.Lock()
		defer c.inflight.Unlock()
		if err := c.d.Source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source: %w", err))
		}
		if err := c.d.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		c.state.Store(int32(Stopped))
		c.stopErr = errors.Join(errs...)

		n := c.Counts()
		ev := c.log.Info()
		if c.stopErr != nil {
			ev = c.log.Warn().Err(c.stopErr)
		}
		ev.Int64("processed", n.Processed).Int64("succeeded", n.Succeeded).Int64("failed", n.Failed).Msg("consumer stopped")
	})
	return c.stopErr
}
