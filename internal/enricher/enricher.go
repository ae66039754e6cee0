// Package enricher fills defaults and missing brands on normalized records.
package enricher

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pricefeed/internal/brand"
	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
)

const (
	DefaultStoreType  = 1
	DefaultCity       = "Unknown"
	DefaultRewardType = "1"
)

type Enricher struct {
	extractor brand.Extractor
	itemCap   int
	now       func() time.Time
	log       zerolog.Logger
	metrics   *metrics.Registry
}

type Option func(*Enricher)

// WithItemCap keeps only the first n items of a price feed. Used by bounded runs.
func WithItemCap(n int) Option { return func(e *Enricher) { e.itemCap = n } }

func WithClock(now func() time.Time) Option { return func(e *Enricher) { e.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(e *Enricher) { e.log = l } }

func WithMetrics(m *metrics.Registry) Option { return func(e *Enricher) { e.metrics = m } }

func New(ex brand.Extractor, opts ...Option) *Enricher {
	e := &Enricher{extractor: ex, now: time.Now, log: zerolog.Nop()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Enrich returns an enriched copy of rec. It never fails: on an internal fault the
// input is returned unchanged.
func (e *Enricher) Enrich(ctx context.Context, rec model.Record) (out model.Record) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("kind", kindOf(rec)).Err(fmt.Errorf("%v", r)).Msg("enrichment failed, passing record through")
			if e.metrics != nil {
				e.metrics.EnrichFailures.Inc()
			}
			out = rec
		}
	}()

	switch r := rec.(type) {
	case *model.PriceData:
		return e.price(ctx, r)
	case *model.PromoData:
		return e.promo(r)
	case *model.StoreData:
		return e.stores(r)
	default:
		return rec
	}
}

func (e *Enricher) price(ctx context.Context, in *model.PriceData) *model.PriceData {
	out := *in
	if out.ProcessedAt.IsZero() {
		out.ProcessedAt = e.now()
	}
	items := in.Items
	if e.itemCap > 0 && len(items) > e.itemCap {
		e.log.Debug().Int("items", len(items)).Int("cap", e.itemCap).Msg("truncating items")
		items = items[:e.itemCap]
	}
	out.Items = slices.Clone(items)

	var (
		missing []int
		batch   []model.Item
	)
	for i, it := range out.Items {
		if strings.TrimSpace(it.Brand) == "" {
			missing = append(missing, i)
			batch = append(batch, it)
		}
	}
	if len(batch) == 0 {
		return &out
	}
	guesses := brand.Batch(ctx, e.extractor, batch, e.log)
	for j, i := range missing {
		out.Items[i] = batch[j]
		if e.metrics != nil {
			e.metrics.BrandExtractions.WithLabelValues(guesses[j].Method).Inc()
		}
	}
	e.log.Debug().Str("chain_id", out.ChainID).Str("store_id", out.StoreID).Int("brands_extracted", len(batch)).Msg("enriched price feed")
	return &out
}

func (e *Enricher) promo(in *model.PromoData) *model.PromoData {
	out := *in
	if out.ProcessedAt.IsZero() {
		out.ProcessedAt = e.now()
	}
	out.Promotions = make([]model.Promotion, len(in.Promotions))
	for i, p := range in.Promotions {
		p.Items = slices.Clone(p.Items)
		if strings.TrimSpace(p.RewardType) == "" {
			p.RewardType = DefaultRewardType
		}
		out.Promotions[i] = p
	}
	return &out
}

func (e *Enricher) stores(in *model.StoreData) *model.StoreData {
	out := *in
	if out.ProcessedAt.IsZero() {
		out.ProcessedAt = e.now()
	}
	out.Stores = slices.Clone(in.Stores)
	for i := range out.Stores {
		s := &out.Stores[i]
		if s.StoreType == 0 {
			s.StoreType = DefaultStoreType
		}
		if strings.TrimSpace(s.City) == "" {
			s.City = DefaultCity
		}
	}
	return &out
}

func kindOf(rec model.Record) string {
	if rec == nil {
		return ""
	}
	return string(rec.Kind())
}
