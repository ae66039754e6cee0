package enricher

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricefeed/internal/brand"
	"pricefeed/internal/metrics"
	"pricefeed/internal/model"
)

var fixed = time.Date(2025, 6, 30, 8, 0, 0, 0, time.UTC)

func newEnricher(opts ...Option) *Enricher {
	opts = append([]Option{WithClock(func() time.Time { return fixed })}, opts...)
	return New(brand.NewRuleBased(), opts...)
}

func TestEnrichPriceExtractsMissingBrands(t *testing.T) {
	reg := metrics.NewRegistry()
	in := &model.PriceData{
		ChainID: "7290",
		StoreID: "001",
		Items: []model.Item{
			{ItemCode: "A", ItemName: "קוקה קולה 1.5 ליטר", Price: decimal.RequireFromString("6.90"), LastUpdateDate: "2025-06-30"},
			{ItemCode: "B", ItemName: "Pepsi", Brand: "Own Brand", LastUpdateDate: "2025-06-30"},
		},
	}
	out := newEnricher(WithMetrics(reg)).Enrich(context.Background(), in)

	pd, ok := out.(*model.PriceData)
	require.True(t, ok)
	assert.Equal(t, fixed, pd.ProcessedAt)
	assert.Equal(t, "קוקה קולה", pd.Items[0].Brand)
	assert.Equal(t, 0.9, pd.Items[0].BrandConfidence)
	assert.Equal(t, brand.MethodHebrew, pd.Items[0].BrandMethod)
	assert.False(t, pd.Items[0].Promotion)
	assert.True(t, pd.Items[0].PromotionPrice.IsZero())

	assert.Equal(t, "Own Brand", pd.Items[1].Brand, "existing brand kept")
	assert.Empty(t, pd.Items[1].BrandMethod)

	assert.Empty(t, in.Items[0].Brand, "input is not mutated")
	assert.True(t, in.ProcessedAt.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.BrandExtractions.WithLabelValues(brand.MethodHebrew)))
}

func TestEnrichKeepsProcessedAt(t *testing.T) {
	stamp := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := newEnricher().Enrich(context.Background(), &model.StoreData{ChainID: "1", ChainName: "x", ProcessedAt: stamp})
	assert.Equal(t, stamp, out.(*model.StoreData).ProcessedAt)
}

func TestEnrichItemCap(t *testing.T) {
	in := &model.PriceData{ChainID: "1", StoreID: "1"}
	for i := 0; i < 30; i++ {
		in.Items = append(in.Items, model.Item{ItemCode: "X", ItemName: "Oreo", LastUpdateDate: "d"})
	}
	out := newEnricher(WithItemCap(20)).Enrich(context.Background(), in).(*model.PriceData)
	assert.Len(t, out.Items, 20)
	assert.Len(t, in.Items, 30)

	out = newEnricher().Enrich(context.Background(), in).(*model.PriceData)
	assert.Len(t, out.Items, 30)
}

func TestEnrichStoreDefaults(t *testing.T) {
	in := &model.StoreData{ChainID: "7290", ChainName: "x", Stores: []model.Store{
		{StoreID: "001", StoreName: "a"},
		{StoreID: "002", StoreName: "b", StoreType: 3, City: "חיפה"},
	}}
	out := newEnricher().Enrich(context.Background(), in).(*model.StoreData)
	assert.Equal(t, DefaultStoreType, out.Stores[0].StoreType)
	assert.Equal(t, DefaultCity, out.Stores[0].City)
	assert.Equal(t, 3, out.Stores[1].StoreType)
	assert.Equal(t, "חיפה", out.Stores[1].City)
	assert.Equal(t, 0, in.Stores[0].StoreType)
}

func TestEnrichPromoDefaults(t *testing.T) {
	in := &model.PromoData{ChainID: "1", StoreID: "1", Promotions: []model.Promotion{
		{PromotionID: "P1"},
		{PromotionID: "P2", RewardType: "3", AllowMultipleDiscounts: true},
	}}
	out := newEnricher().Enrich(context.Background(), in).(*model.PromoData)
	assert.Equal(t, DefaultRewardType, out.Promotions[0].RewardType)
	assert.False(t, out.Promotions[0].AllowMultipleDiscounts)
	assert.Equal(t, "3", out.Promotions[1].RewardType)
	assert.Equal(t, fixed, out.ProcessedAt)
	assert.Empty(t, in.Promotions[0].RewardType)
}

func TestEnrichGenericPassthrough(t *testing.T) {
	g := &model.Generic{Metadata: model.Metadata{"file_type": "x"}}
	assert.Same(t, g, newEnricher().Enrich(context.Background(), g))
}

func TestEnrichFailsOpen(t *testing.T) {
	reg := metrics.NewRegistry()
	e := New(brand.NewRuleBased(), WithMetrics(reg), WithClock(func() time.Time { panic("clock broke") }))
	in := &model.PriceData{ChainID: "1", StoreID: "1", Items: []model.Item{{ItemCode: "A", ItemName: "Oreo"}}}

	out := e.Enrich(context.Background(), in)
	assert.Same(t, in, out)
	assert.Empty(t, in.Items[0].Brand)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.EnrichFailures))
}
