package normalizer

import (
	"sort"
	"strings"
)

// field lists the upstream keys a logical field may appear under, most specific or
// newest feed version first. Exact matches win over case-insensitive ones.
type field []string

// Document level.
var (
	fChainID      = field{"ChainId", "ChainID"}
	fChainName    = field{"ChainName"}
	fSubChainID   = field{"SubChainId", "SubChainID"}
	fSubChainName = field{"SubChainName"}
	fStoreID      = field{"StoreId", "StoreID"}
	fBikoretNo    = field{"BikoretNo"}
	fDocDate      = field{"LastUpdateDate", "LastUpdateDateTime"}
	fDocTime      = field{"LastUpdateTime"}
)

// Price items.
var (
	fItemCode       = field{"ItemCode", "ItemId"}
	fItemName       = field{"ItemName", "ItemNm"}
	fItemPrice      = field{"ItemPrice"}
	fUnitQty        = field{"UnitQty"}
	fUnitOfMeasure  = field{"UnitOfMeasure", "UnitMeasure"}
	fQuantity       = field{"Quantity"}
	fManufacturer   = field{"ManufacturerName", "ManufactureName"}
	fItemDesc       = field{"ManufacturerItemDescription", "ManufactureItemDescription"}
	fCategory       = field{"ItemCategory"}
	fSubcategory    = field{"ItemSubCategory"}
	fBrand          = field{"ItemBrand"}
	fPromoFlag      = field{"ItemPromotion"}
	fPromoPrice     = field{"ItemPromotionPrice"}
	fPromoDesc      = field{"ItemPromotionDescription"}
	fCountry        = field{"ManufactureCountry", "ManufacturerCountry"}
	fItemUpdateDate = field{"PriceUpdateDate", "ItemUpdateDate", "LastUpdateDate"}
	fItemUpdateTime = field{"PriceUpdateTime", "ItemUpdateTime", "LastUpdateTime"}
)

// Stores.
var (
	fStoreType = field{"StoreType"}
	fStoreName = field{"StoreName"}
	fAddress   = field{"Address"}
	fCity      = field{"City"}
	fZipCode   = field{"ZipCode", "ZIPCode"}
)

// Promotions.
var (
	fPromotionID     = field{"PromotionId", "PromotionID"}
	fPromotionDesc   = field{"PromotionDescription"}
	fPromoUpdateDate = field{"PromotionUpdateDate"}
	fPromoStartDate  = field{"PromotionStartDate"}
	fPromoStartHour  = field{"PromotionStartHour"}
	fPromoEndDate    = field{"PromotionEndDate"}
	fPromoEndHour    = field{"PromotionEndHour"}
	fDiscountedPrice = field{"DiscountedPrice", "DiscountedPricePerMida"}
	fMinQty          = field{"MinQty"}
	fRewardType      = field{"RewardType"}
	fAllowMultiple   = field{"AllowMultipleDiscounts"}
	fItemType        = field{"ItemType"}
	fIsGiftItem      = field{"IsGiftItem"}
)

// container is a list field wrapped by XML conversion, e.g. {"Items": {"Item": [...]}}.
type container struct {
	outer field
	inner field
}

var (
	cItems          = container{outer: field{"Items", "Products"}, inner: field{"Item", "Product"}}
	cSubChains      = container{outer: field{"SubChains"}, inner: field{"SubChain"}}
	cStores         = container{outer: field{"Stores"}, inner: field{"Store"}}
	cPromotions     = container{outer: field{"Promotions", "Sales"}, inner: field{"Promotion", "Sale"}}
	cPromotionItems = container{outer: field{"PromotionItems"}, inner: field{"Item"}}
)

// lookup returns the first candidate key present in m.
func (f field) lookup(m map[string]any) (any, bool) {
	for _, k := range f {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	if len(m) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, want := range f {
		for _, k := range keys {
			if strings.EqualFold(k, want) {
				return m[k], true
			}
		}
	}
	return nil, false
}

func (f field) str(m map[string]any) string {
	v, _ := f.lookup(m)
	return toString(v)
}

// has reports whether any candidate key is present.
func (f field) has(m map[string]any) bool {
	_, ok := f.lookup(m)
	return ok
}
