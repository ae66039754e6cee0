package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags a normalized record.
type Kind string

const (
	KindPrice   Kind = "price_data"
	KindPromo   Kind = "promo_data"
	KindStore   Kind = "store_data"
	KindGeneric Kind = "generic_data"
)

// Record is one normalized message. It is implemented by *PriceData, *PromoData,
// *StoreData and *Generic only; switch on the concrete type to branch.
type Record interface {
	Kind() Kind
	record()
}

// PriceData is a normalized PriceFull feed.
type PriceData struct {
	ChainID     string    `json:"chain_id" validate:"required"`
	StoreID     string    `json:"store_id" validate:"required"`
	ProcessedAt time.Time `json:"processed_at,omitempty"`
	Items       []Item    `json:"items" validate:"dive"`
}

// PromoData is a normalized PromoFull feed.
type PromoData struct {
	ChainID     string      `json:"chain_id" validate:"required"`
	StoreID     string      `json:"store_id" validate:"required"`
	ProcessedAt time.Time   `json:"processed_at,omitempty"`
	Promotions  []Promotion `json:"promotions" validate:"dive"`
}

// StoreData is a normalized Stores feed.
type StoreData struct {
	ChainID     string    `json:"chain_id" validate:"required"`
	ChainName   string    `json:"chain_name" validate:"required"`
	ProcessedAt time.Time `json:"processed_at,omitempty"`
	Stores      []Store   `json:"stores" validate:"dive"`
}

// Generic carries a payload the normalizer could not classify. It is never persisted.
type Generic struct {
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
}

func (*PriceData) Kind() Kind { return KindPrice }
func (*PromoData) Kind() Kind { return KindPromo }
func (*StoreData) Kind() Kind { return KindStore }
func (*Generic) Kind() Kind   { return KindGeneric }

func (*PriceData) record() {}
func (*PromoData) record() {}
func (*StoreData) record() {}
func (*Generic) record()   {}

// Item is one product line of a price feed.
// Identity: (chain_id, store_id, item_code, last_update_date).
type Item struct {
	ItemCode             string          `json:"item_code" validate:"required"`
	ItemName             string          `json:"item_name" validate:"required"`
	Price                decimal.Decimal `json:"item_price" validate:"gte=0"`
	Unit                 string          `json:"item_unit"`
	UnitMeasure          string          `json:"item_unit_measure"`
	Quantity             decimal.Decimal `json:"item_quantity" validate:"gte=0"`
	Manufacturer         string          `json:"item_manufacturer"`
	Description          string          `json:"item_description"`
	Category             string          `json:"item_category"`
	Subcategory          string          `json:"item_subcategory"`
	Brand                string          `json:"item_brand"`
	Promotion            bool            `json:"item_promotion"`
	PromotionPrice       decimal.Decimal `json:"item_promotion_price"`
	PromotionDescription string          `json:"item_promotion_description"`
	ManufactureCountry   string          `json:"manufacture_country"`
	LastUpdateDate       string          `json:"last_update_date" validate:"required"`
	LastUpdateTime       string          `json:"last_update_time"`

	// Set by brand extraction.
	BrandConfidence float64 `json:"brand_confidence,omitempty"`
	BrandSource     string  `json:"brand_source,omitempty"`
	BrandMethod     string  `json:"brand_extraction_method,omitempty"`
}

// Store is one branch of a chain. Identity: (chain_id, store_id).
type Store struct {
	SubChainID     string `json:"sub_chain_id"`
	SubChainName   string `json:"sub_chain_name"`
	StoreID        string `json:"store_id" validate:"required"`
	BikoretNo      string `json:"bikoret_no"`
	StoreType      int    `json:"store_type"`
	StoreName      string `json:"store_name" validate:"required"`
	Address        string `json:"address"`
	City           string `json:"city"`
	ZipCode        string `json:"zip_code"`
	LastUpdateDate string `json:"last_update_date"`
	LastUpdateTime string `json:"last_update_time"`
}

// Promotion is one entry of a promo feed.
type Promotion struct {
	PromotionID            string          `json:"promotion_id" validate:"required"`
	Description            string          `json:"description"`
	UpdateDate             string          `json:"update_date"`
	StartDate              string          `json:"start_date"`
	StartHour              string          `json:"start_hour"`
	EndDate                string          `json:"end_date"`
	EndHour                string          `json:"end_hour"`
	DiscountedPrice        decimal.Decimal `json:"discounted_price"`
	MinQty                 decimal.Decimal `json:"min_qty"`
	RewardType             string          `json:"reward_type"`
	AllowMultipleDiscounts bool            `json:"allow_multiple_discounts"`
	Items                  []PromotionItem `json:"items" validate:"dive"`
}

// PromotionItem links a promotion to an item.
type PromotionItem struct {
	ItemCode   string `json:"item_code" validate:"required"`
	ItemType   string `json:"item_type"`
	IsGiftItem bool   `json:"is_gift_item"`
}

// Source fields a brand guess can come from.
const (
	SourceItemName     = "item_name"
	SourceManufacturer = "manufacturer"
	SourceDescription  = "description"
)

// BrandGuess is the result of one brand extraction. Brand and Source are empty when
// nothing matched.
type BrandGuess struct {
	Brand      string  `json:"brand,omitempty"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source_field,omitempty"`
	Method     string  `json:"extraction_method"`
}

// Found reports whether the guess names a brand.
func (g BrandGuess) Found() bool { return g.Brand != "" }
