// Command replay re-publishes the original bodies in a dead-letter spool to the
// source queues, after the cause of the failures has been fixed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"pricefeed/internal/config"
	"pricefeed/internal/dlq"
	"pricefeed/internal/logger"
	"pricefeed/internal/model"
)

type Config struct {
	EnvFile string
	Spool   string
	Queue   string // overrides routing by file_type
	DryRun  bool
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.EnvFile, "env-file", ".env", "optional .env file")
	flag.StringVar(&cfg.Spool, "spool", "", "dead-letter spool file (defaults to DLQ_FILE)")
	flag.StringVar(&cfg.Queue, "queue", "", "send everything to this queue instead of routing by file_type")
	flag.BoolVar(&cfg.DryRun, "dry-run", false, "only print where each message would go")
	flag.Parse()

	log := logger.New("info")
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("replay failed")
	}
}

func run(cfg Config, log zerolog.Logger) error {
	env, err := config.Load(cfg.EnvFile)
	if err != nil {
		return err
	}
	if cfg.Spool == "" {
		cfg.Spool = env.DLQFile
	}
	f, err := os.Open(cfg.Spool)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	letters, err := dlq.ReadSpool(f)
	_ = f.Close()
	if err != nil {
		return err
	}
	log.Info().Str("spool", cfg.Spool).Int("letters", len(letters)).Msg("spool loaded")

	r := router{price: env.PriceQueue, promo: env.PromoQueue, fixed: cfg.Queue}
	if cfg.DryRun {
		for i, dl := range letters {
			body, _ := originalBody(dl)
			log.Info().Int("n", i).Str("queue", r.route(body)).Str("error", dl.Error).Msg("would replay")
		}
		return nil
	}

	conn, err := amqp.Dial(env.AMQPURL())
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	n, err := replay(context.Background(), ch, r, letters)
	log.Info().Int("replayed", n).Int("letters", len(letters)).Msg("replay finished")
	return err
}

type router struct {
	price, promo, fixed string
}

// route picks the source queue from the envelope's file_type. Bodies that are not
// envelopes go to the price queue, where they will be dead-lettered again.
func (r router) route(body []byte) string {
	if r.fixed != "" {
		return r.fixed
	}
	env, err := model.ParseEnvelope(body)
	if err == nil && strings.HasPrefix(strings.ToLower(env.Metadata.FileType()), "promo") {
		return r.promo
	}
	return r.price
}

// originalBody returns the bytes that were originally received. Non-JSON bodies are
// stored as a JSON string and are unquoted here.
func originalBody(dl model.DeadLetter) ([]byte, error) {
	raw := []byte(dl.OriginalMessage)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode original message: %w", err)
		}
		return []byte(s), nil
	}
	return raw, nil
}

func replay(ctx context.Context, p publisher, r router, letters []model.DeadLetter) (int, error) {
	for i, dl := range letters {
		body, err := originalBody(dl)
		if err != nil {
			return i, fmt.Errorf("letter %d: %w", i, err)
		}
		queue := r.route(body)
		err = p.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Body:         body,
		})
		if err != nil {
			return i, fmt.Errorf("letter %d to %s: %w", i, queue, err)
		}
	}
	return len(letters), nil
}
