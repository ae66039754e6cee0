// Command publish wraps converted feed files into envelopes and sends each one to
// the queue its file type belongs to.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"pricefeed/internal/config"
	"pricefeed/internal/logger"
	"pricefeed/internal/model"
)

const fallbackQueue = "all_data_queue"

type Config struct {
	EnvFile     string
	Supermarket string
	StoreID     string
	Files       []string
}

type publisher interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.EnvFile, "env-file", ".env", "optional .env file with RABBITMQ_* settings")
	flag.StringVar(&cfg.Supermarket, "supermarket", "", "supermarket name put in the envelope metadata")
	flag.StringVar(&cfg.StoreID, "store-id", "", "store id put in the envelope metadata (optional)")
	flag.Parse()
	cfg.Files = flag.Args()

	log := logger.New("info")
	if len(cfg.Files) == 0 {
		log.Fatal().Msg("usage: publish [flags] file.json...")
	}
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("publish failed")
	}
}

func run(cfg Config, log zerolog.Logger) error {
	env, err := config.Load(cfg.EnvFile)
	if err != nil {
		return err
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

	queues := map[string]string{"price": env.PriceQueue, "promo": env.PromoQueue, "": fallbackQueue}
	for _, q := range []string{env.PriceQueue, env.PromoQueue, fallbackQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare %s: %w", q, err)
		}
	}

	ctx := context.Background()
	var sent int
	for _, path := range cfg.Files {
		if err := publishFile(ctx, ch, queues, path, cfg, time.Now()); err != nil {
			log.Error().Err(err).Str("file", path).Msg("skipped")
			continue
		}
		sent++
	}
	log.Info().Int("sent", sent).Int("files", len(cfg.Files)).Msg("done")
	return nil
}

func publishFile(ctx context.Context, p publisher, queues map[string]string, path string, cfg Config, now time.Time) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	queue, body, err := buildMessage(queues, path, raw, cfg.Supermarket, cfg.StoreID, now)
	if err != nil {
		return err
	}
	err = p.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// fileType derives the feed type from the file name. Store listings travel on the
// price queue.
func fileType(path string) (fileType, route string) {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(name, "pricefull"), strings.HasPrefix(name, "price"):
		return "PriceFull", "price"
	case strings.Contains(name, "promofull"), strings.HasPrefix(name, "promo"):
		return "PromoFull", "promo"
	case strings.HasPrefix(name, "stores"):
		return "Stores", "price"
	}
	return "Unknown", ""
}

func buildMessage(queues map[string]string, path string, raw []byte, supermarket, storeID string, now time.Time) (string, []byte, error) {
	if !json.Valid(raw) {
		return "", nil, fmt.Errorf("%s is not valid JSON", filepath.Base(path))
	}
	ft, route := fileType(path)
	meta := model.Metadata{
		"supermarket": supermarket,
		"file_type":   ft,
		"timestamp":   now.Format(time.RFC3339),
	}
	if storeID != "" {
		meta["store_id"] = storeID
	}
	body, err := json.Marshal(model.Envelope{Data: raw, Metadata: meta})
	if err != nil {
		return "", nil, fmt.Errorf("encode envelope: %w", err)
	}
	return queues[route], body, nil
}
