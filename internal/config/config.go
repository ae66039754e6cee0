// Package config reads the enricher's environment configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL  string `env:"DATABASE_URL"`
	StoreBackend string `env:"STORE_BACKEND" envDefault:"postgres"`
	PebbleDir    string `env:"PEBBLE_DIR" envDefault:"./data/enricher"`

	Broker           string `env:"BROKER" envDefault:"rabbitmq"`
	RabbitMQHost     string `env:"RABBITMQ_HOST" envDefault:"localhost"`
	RabbitMQPort     int    `env:"RABBITMQ_PORT" envDefault:"5672"`
	RabbitMQUsername string `env:"RABBITMQ_USERNAME" envDefault:"admin"`
	RabbitMQPassword string `env:"RABBITMQ_PASSWORD" envDefault:"admin"`
	RabbitMQVHost    string `env:"RABBITMQ_VHOST" envDefault:"/"`
	KafkaBootstrap   string `env:"KAFKA_BOOTSTRAP"`
	KafkaGroupID     string `env:"KAFKA_GROUP_ID" envDefault:"enricher"`

	PriceQueue string `env:"PRICEFULL_QUEUE" envDefault:"pricefull_queue"`
	PromoQueue string `env:"PROMOFULL_QUEUE" envDefault:"promofull_queue"`
	DLQQueue   string `env:"DLQ_QUEUE" envDefault:"dead_letter_queue"`
	DLQSink    string `env:"DLQ_SINK" envDefault:"broker"`
	DLQFile    string `env:"DLQ_FILE" envDefault:"./deadletter/dlq.jsonl"`
	BatchSize  int    `env:"BATCH_SIZE" envDefault:"10"`

	TestMode    bool `env:"TEST_MODE" envDefault:"false"`
	TestLimit   int  `env:"TEST_LIMIT" envDefault:"5"`
	TestItemCap int  `env:"TEST_ITEM_CAP" envDefault:"20"`

	BrandExtractor string `env:"BRAND_EXTRACTOR" envDefault:"rules"`
	GeminiModel    string `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads the given .env files, skipping missing ones, then parses the
// environment. Variables already set in the process win over file values.
func Load(files ...string) (Config, error) {
	for _, f := range files {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case "pebble":
		if c.PebbleDir == "" {
			errs = append(errs, errors.New("PEBBLE_DIR is required for the pebble backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	switch c.Broker {
	case "rabbitmq":
	case "kafka":
		if c.KafkaBootstrap == "" {
			errs = append(errs, errors.New("KAFKA_BOOTSTRAP is required for the kafka broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BROKER %q", c.Broker))
	}
	switch c.DLQSink {
	case "broker", "file", "both":
	default:
		errs = append(errs, fmt.Errorf("unknown DLQ_SINK %q", c.DLQSink))
	}
	switch c.BrandExtractor {
	case "rules", "gemini":
	default:
		errs = append(errs, fmt.Errorf("unknown BRAND_EXTRACTOR %q", c.BrandExtractor))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize))
	}
	if c.TestMode && c.TestLimit <= 0 {
		errs = append(errs, fmt.Errorf("TEST_LIMIT must be positive in test mode, got %d", c.TestLimit))
	}
	return errors.Join(errs...)
}

// AMQPURL builds the broker URL with escaped credentials and vhost.
func (c Config) AMQPURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.RabbitMQUsername, c.RabbitMQPassword),
		Host:   net.JoinHostPort(c.RabbitMQHost, strconv.Itoa(c.RabbitMQPort)),
	}
	// "/" is the default vhost and must be sent as %2F.
	vhost := strings.TrimPrefix(c.RabbitMQVHost, "/")
	if c.RabbitMQVHost == "/" {
		vhost = "/"
	}
	u.Path = "/" + vhost
	u.RawPath = "/" + url.PathEscape(vhost)
	return u.String()
}

// BoundedRunLimit is the number of messages to process before stopping, 0 when
// unbounded.
func (c Config) BoundedRunLimit() int {
	if !c.TestMode {
		return 0
	}
	return c.TestLimit
}

// ItemCap is the per-record item cap applied in bounded runs, 0 when unbounded.
func (c Config) ItemCap() int {
	if !c.TestMode {
		return 0
	}
	return c.TestItemCap
}

// SourceQueues lists the queues (or Kafka topics) the consumer reads.
func (c Config) SourceQueues() []string {
	return []string{c.PriceQueue, c.PromoQueue}
}
