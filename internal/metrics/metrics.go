package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg        *prometheus.Registry
	Processed  prometheus.Counter
	Succeeded  prometheus.Counter
	Failed     prometheus.Counter
	LatencySec prometheus.Histogram

	// Dead-letter routing, labelled by pipeline stage.
	DeadLetters        *prometheus.CounterVec
	DeadLetterFailures prometheus.Counter

	// Enrichment
	BrandExtractions *prometheus.CounterVec
	EnrichFailures   prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	processed := prometheus.NewCounter(prometheus.CounterOpts{Name: "enricher_messages_processed_total"})
	succeeded := prometheus.NewCounter(prometheus.CounterOpts{Name: "enricher_messages_succeeded_total"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{Name: "enricher_messages_failed_total"})
	latency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "enricher_message_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})

	deadLetters := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enricher_dead_letters_total"}, []string{"stage"})
	dlqErrors := prometheus.NewCounter(prometheus.CounterOpts{Name: "enricher_dead_letter_publish_errors_total"})

	brands := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enricher_brand_extractions_total"}, []string{"method"})
	enrichFailures := prometheus.NewCounter(prometheus.CounterOpts{Name: "enricher_enrich_failures_total"})

	r.MustRegister(processed, succeeded, failed, latency, deadLetters, dlqErrors, brands, enrichFailures)
	return &Registry{
		reg:                r,
		Processed:          processed,
		Succeeded:          succeeded,
		Failed:             failed,
		LatencySec:         latency,
		DeadLetters:        deadLetters,
		DeadLetterFailures: dlqErrors,
		BrandExtractions:   brands,
		EnrichFailures:     enrichFailures,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
