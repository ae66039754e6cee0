// Package brand infers an item's brand from its name, manufacturer and description.
package brand

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"pricefeed/internal/model"
)

// Extraction method tags.
const (
	MethodHebrew       = "rule_based_hebrew"
	MethodEnglish      = "rule_based_english"
	MethodManufacturer = "rule_based_manufacturer"
	MethodFirstWord    = "rule_based_first_word"
	MethodNoData       = "rule_based_no_data"
	MethodNoMatch      = "rule_based_failed"
	MethodGemini       = "ai_gemini"
	// MethodFailed marks an item whose extraction faulted inside a batch.
	MethodFailed = "failed"
)

// Extractor guesses a brand for one item. Implementations never fail: no match is a
// guess with an empty brand and zero confidence.
type Extractor interface {
	Extract(ctx context.Context, it model.Item) model.BrandGuess
}

// EnrichItem applies ex to it and stores the guess on the item.
func EnrichItem(ctx context.Context, ex Extractor, it *model.Item) model.BrandGuess {
	g := ex.Extract(ctx, *it)
	apply(it, g)
	return g
}

func apply(it *model.Item, g model.BrandGuess) {
	it.Brand = g.Brand
	it.BrandConfidence = g.Confidence
	it.BrandSource = g.Source
	it.BrandMethod = g.Method
}

// Batch enriches every item in place and returns one guess per item. A panic while
// extracting one item marks that item with MethodFailed and the batch continues.
func Batch(ctx context.Context, ex Extractor, items []model.Item, log zerolog.Logger) []model.BrandGuess {
	out := make([]model.BrandGuess, len(items))
	for i := range items {
		g, err := safeEnrich(ctx, ex, &items[i])
		if err != nil {
			log.Error().Err(err).Int("index", i).Str("item_code", items[i].ItemCode).Msg("brand extraction failed")
			g = model.BrandGuess{Method: MethodFailed}
			apply(&items[i], g)
		}
		out[i] = g
		if (i+1)%100 == 0 {
			log.Debug().Msgf("extracted brands %d/%d", i+1, len(items))
		}
	}
	return out
}

func safeEnrich(ctx context.Context, ex Extractor, it *model.Item) (g model.BrandGuess, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return EnrichItem(ctx, ex, it), nil
}
