package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pricefeed/internal/brand"
	"pricefeed/internal/broker"
	"pricefeed/internal/config"
	"pricefeed/internal/consumer"
	"pricefeed/internal/dlq"
	"pricefeed/internal/enricher"
	"pricefeed/internal/logger"
	"pricefeed/internal/metrics"
	"pricefeed/internal/normalizer"
	"pricefeed/internal/store"
	"pricefeed/internal/validator"
)

// Flags override the environment for local runs.
type Flags struct {
	EnvFile string
	Test    int
	Migrate bool
}

func main() {
	fl := readFlags()
	cfg, err := config.Load(fl.EnvFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if fl.Test > 0 {
		cfg.TestMode = true
		cfg.TestLimit = fl.Test
	}
	log := logger.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := run(cfg, fl, log); err != nil {
		log.Fatal().Err(err).Msg("enricher failed")
	}
}

func readFlags() Flags {
	var fl Flags
	flag.StringVar(&fl.EnvFile, "env-file", ".env", "optional .env file")
	flag.IntVar(&fl.Test, "test", 0, "bounded run: stop after N messages (0 uses TEST_MODE/TEST_LIMIT)")
	flag.BoolVar(&fl.Migrate, "migrate", false, "create the postgres tables before consuming")
	flag.Parse()
	return fl
}

func run(cfg config.Config, fl Flags, log zerolog.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	log.Info().
		Str("broker", cfg.Broker).
		Str("store", cfg.StoreBackend).
		Str("dlq_sink", cfg.DLQSink).
		Str("brand_extractor", cfg.BrandExtractor).
		Int("limit", cfg.BoundedRunLimit()).
		Msg("starting enricher")

	// Resources are owned by the consumer once it exists; until then close them here.
	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	st, err := openStore(ctx, cfg, fl.Migrate, log)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() { _ = st.Close() })

	ex, err := newExtractor(ctx, cfg, log)
	if err != nil {
		return err
	}

	mreg := metrics.NewRegistry()

	src, brokerDLQ, closeDLQ, err := openBroker(cfg, log)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() { _ = src.Close() })
	defer closeDLQ()

	sink, err := deadLetterSink(cfg, brokerDLQ)
	if err != nil {
		return err
	}

	c, err := consumer.New(consumer.Deps{
		Source:     src,
		Normalizer: normalizer.New(log),
		Validator:  validator.New(),
		Enricher: enricher.New(ex,
			enricher.WithItemCap(cfg.ItemCap()),
			enricher.WithLogger(log),
			enricher.WithMetrics(mreg),
		),
		Store:       st,
		DeadLetters: sink,
		Metrics:     mreg,
		Log:         log,
	}, consumer.Options{Limit: cfg.BoundedRunLimit()})
	if err != nil {
		return err
	}
	cleanup = nil

	srv := serveMetrics(cfg.MetricsAddr, mreg, c, log)
	defer func() {
		if srv == nil {
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	return c.Stop()
}

func openStore(ctx context.Context, cfg config.Config, migrate bool, log zerolog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		ps, err := store.OpenPostgres(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := ps.EnsureSchema(ctx); err != nil {
				_ = ps.Close()
				return nil, err
			}
			log.Info().Msg("schema ensured")
		}
		return ps, nil
	case "pebble":
		ps, err := store.NewPebbleStore(cfg.PebbleDir)
		if err != nil {
			return nil, fmt.Errorf("init pebble: %w", err)
		}
		items, stores, err := countRows(ps)
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		log.Info().Str("dir", cfg.PebbleDir).Int("items", items).Int("stores", stores).Msg("pebble store opened")
		return ps, nil
	default:
		return store.NewInMemoryStore(), nil
	}
}

// countRows reports how many item and store rows an existing Pebble directory holds.
func countRows(ps *store.PebbleStore) (items, stores int, err error) {
	if err := ps.Range("item#", func(string, []byte) error { items++; return nil }); err != nil {
		return 0, 0, fmt.Errorf("scan items: %w", err)
	}
	if err := ps.Range("store#", func(string, []byte) error { stores++; return nil }); err != nil {
		return 0, 0, fmt.Errorf("scan stores: %w", err)
	}
	return items, stores, nil
}

func newExtractor(ctx context.Context, cfg config.Config, log zerolog.Logger) (brand.Extractor, error) {
	rules := brand.NewRuleBased()
	if cfg.BrandExtractor != "gemini" {
		s := rules.Stats()
		log.Info().Int("patterns", s.TotalPatterns).Msg("rule-based brand extractor ready")
		return rules, nil
	}
	g, err := brand.NewGeminiExtractor(ctx, cfg.GeminiModel, rules)
	if err != nil {
		return nil, err
	}
	log.Info().Str("model", cfg.GeminiModel).Msg("gemini brand extractor ready")
	return g, nil
}

// openBroker connects the source and, for the broker dead-letter sink, a publisher on
// the same transport.
func openBroker(cfg config.Config, log zerolog.Logger) (broker.Source, dlq.Publisher, func(), error) {
	noop := func() {}
	if cfg.Broker == "kafka" {
		src, err := broker.NewKafkaSource(cfg.KafkaBootstrap, cfg.KafkaGroupID, cfg.SourceQueues(), log)
		if err != nil {
			return nil, nil, noop, err
		}
		if cfg.DLQSink == "file" {
			return src, nil, noop, nil
		}
		kp := dlq.NewKafkaPublisher(cfg.KafkaBootstrap, cfg.DLQQueue)
		return src, kp, func() { _ = kp.Close() }, nil
	}

	src, conn, err := broker.DialAMQP(cfg.AMQPURL(), cfg.SourceQueues(), cfg.BatchSize, log)
	if err != nil {
		return nil, nil, noop, err
	}
	if cfg.DLQSink == "file" {
		return src, nil, noop, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = src.Close()
		return nil, nil, noop, fmt.Errorf("open dead-letter channel: %w", err)
	}
	ap, err := dlq.NewAMQPPublisher(ch, cfg.DLQQueue)
	if err != nil {
		_ = src.Close()
		return nil, nil, noop, err
	}
	// The channel closes with the connection, which the source owns.
	return src, ap, noop, nil
}

func deadLetterSink(cfg config.Config, onBroker dlq.Publisher) (dlq.Publisher, error) {
	var file dlq.Publisher
	if cfg.DLQSink == "file" || cfg.DLQSink == "both" {
		fw, err := dlq.NewFileWriter(filepath.Dir(cfg.DLQFile), filepath.Base(cfg.DLQFile))
		if err != nil {
			return nil, fmt.Errorf("init dead-letter spool: %w", err)
		}
		file = fw
	}
	switch cfg.DLQSink {
	case "file":
		return file, nil
	case "both":
		return dlq.NewMultiPublisher(onBroker, file), nil
	}
	if onBroker == nil {
		return nil, errors.New("no dead-letter publisher for the broker sink")
	}
	return onBroker, nil
}

func serveMetrics(addr string, mreg *metrics.Registry, c *consumer.Consumer, log zerolog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", mreg.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		state := c.State()
		w.Header().Set("Content-Type", "application/json")
		if state == consumer.Stopped {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": state.String(),
			"counts": c.Counts(),
		})
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics listener")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving /metrics and /healthz")
	return srv
}
