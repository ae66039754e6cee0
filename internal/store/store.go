package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pricefeed/internal/model"
)

// ErrMissingKey is returned when a row lacks one of its identity fields.
var ErrMissingKey = errors.New("missing identity field")

// Store persists enriched records. All rows of one record are written atomically;
// promo and generic records are accepted as no-ops.
type Store interface {
	Persist(ctx context.Context, rec model.Record) error
	Close() error
}

// ItemRow is one row of the items table.
type ItemRow struct {
	ChainID              string          `json:"chain_id"`
	StoreID              string          `json:"store_id"`
	ItemCode             string          `json:"item_code"`
	ItemName             string          `json:"item_name"`
	Price                decimal.Decimal `json:"item_price"`
	Unit                 string          `json:"item_unit"`
	UnitMeasure          string          `json:"item_unit_measure"`
	Quantity             decimal.Decimal `json:"item_quantity"`
	Manufacturer         string          `json:"item_manufacturer"`
	Category             string          `json:"item_category"`
	Subcategory          string          `json:"item_subcategory"`
	Brand                string          `json:"item_brand"`
	Promotion            bool            `json:"item_promotion"`
	PromotionPrice       decimal.Decimal `json:"item_promotion_price"`
	PromotionDescription string          `json:"item_promotion_description"`
	LastUpdateDate       string          `json:"last_update_date"`
	LastUpdateTime       string          `json:"last_update_time"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// StoreRow is one row of the stores table.
type StoreRow struct {
	ChainID        string    `json:"chain_id"`
	ChainName      string    `json:"chain_name"`
	SubChainID     string    `json:"sub_chain_id"`
	SubChainName   string    `json:"sub_chain_name"`
	StoreID        string    `json:"store_id"`
	BikoretNo      string    `json:"bikoret_no"`
	StoreType      int       `json:"store_type"`
	StoreName      string    `json:"store_name"`
	Address        string    `json:"address"`
	City           string    `json:"city"`
	ZipCode        string    `json:"zip_code"`
	LastUpdateDate string    `json:"last_update_date"`
	LastUpdateTime string    `json:"last_update_time"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ItemKey is the natural key chain#store#item#date.
func ItemKey(chainID, storeID, itemCode, lastUpdateDate string) string {
	return "item#" + chainID + "#" + storeID + "#" + itemCode + "#" + lastUpdateDate
}

// StoreKey is the natural key chain#store.
func StoreKey(chainID, storeID string) string {
	return "store#" + chainID + "#" + storeID
}

func (r ItemRow) Key() string  { return ItemKey(r.ChainID, r.StoreID, r.ItemCode, r.LastUpdateDate) }
func (r StoreRow) Key() string { return StoreKey(r.ChainID, r.StoreID) }

// rowsFor maps a record to table rows stamped with now. Records that are not
// persisted yield no rows.
func rowsFor(rec model.Record, now time.Time) ([]ItemRow, []StoreRow, error) {
	switch r := rec.(type) {
	case *model.PriceData:
		items := make([]ItemRow, 0, len(r.Items))
		for i, it := range r.Items {
			row := ItemRow{
				ChainID:              r.ChainID,
				StoreID:              r.StoreID,
				ItemCode:             it.ItemCode,
				ItemName:             it.ItemName,
				Price:                it.Price,
				Unit:                 it.Unit,
				UnitMeasure:          it.UnitMeasure,
				Quantity:             it.Quantity,
				Manufacturer:         it.Manufacturer,
				Category:             it.Category,
				Subcategory:          it.Subcategory,
				Brand:                it.Brand,
				Promotion:            it.Promotion,
				PromotionPrice:       it.PromotionPrice,
				PromotionDescription: it.PromotionDescription,
				LastUpdateDate:       it.LastUpdateDate,
				LastUpdateTime:       it.LastUpdateTime,
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			if blank(row.ChainID, row.StoreID, row.ItemCode, row.LastUpdateDate) {
				return nil, nil, fmt.Errorf("item %d: %w", i, ErrMissingKey)
			}
			items = append(items, row)
		}
		return items, nil, nil
	case *model.StoreData:
		stores := make([]StoreRow, 0, len(r.Stores))
		for i, s := range r.Stores {
			row := StoreRow{
				ChainID:        r.ChainID,
				ChainName:      r.ChainName,
				SubChainID:     s.SubChainID,
				SubChainName:   s.SubChainName,
				StoreID:        s.StoreID,
				BikoretNo:      s.BikoretNo,
				StoreType:      s.StoreType,
				StoreName:      s.StoreName,
				Address:        s.Address,
				City:           s.City,
				ZipCode:        s.ZipCode,
				LastUpdateDate: s.LastUpdateDate,
				LastUpdateTime: s.LastUpdateTime,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if blank(row.ChainID, row.StoreID) {
				return nil, nil, fmt.Errorf("store %d: %w", i, ErrMissingKey)
			}
			stores = append(stores, row)
		}
		return nil, stores, nil
	default:
		return nil, nil, nil
	}
}

func blank(vals ...string) bool {
	for _, v := range vals {
		if strings.TrimSpace(v) == "" {
			return true
		}
	}
	return false
}

// mergeItem applies an upsert of in over cur: only price, brand and promotion
// columns change on conflict.
func mergeItem(cur ItemRow, in ItemRow) ItemRow {
	cur.Price = in.Price
	cur.Brand = in.Brand
	cur.Promotion = in.Promotion
	cur.PromotionPrice = in.PromotionPrice
	cur.UpdatedAt = in.UpdatedAt
	return cur
}

// mergeStore applies an upsert of in over cur: only name, address and update date
// change on conflict.
func mergeStore(cur StoreRow, in StoreRow) StoreRow {
	cur.StoreName = in.StoreName
	cur.Address = in.Address
	cur.LastUpdateDate = in.LastUpdateDate
	cur.UpdatedAt = in.UpdatedAt
	return cur
}
