// Package normalizer maps upstream feed envelopes onto the canonical record types.
package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"pricefeed/internal/model"
)

// ErrMalformed marks a payload whose structure does not fit its declared feed type.
var ErrMalformed = errors.New("malformed payload")

// Error describes where normalization failed. errors.Is(err, ErrMalformed) holds for it.
type Error struct {
	FileType string
	Path     string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize %s: %s: %v", e.FileType, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrMalformed }

func malformed(path string, err error) error {
	return &Error{Path: path, Err: err}
}

// maxUnwrap bounds how many single-key root containers (e.g. {"Root": {...}}) are peeled.
const maxUnwrap = 2

// Normalizer converts envelopes to records. It holds no per-message state.
type Normalizer struct {
	log zerolog.Logger
}

// New returns a Normalizer.
func New(log zerolog.Logger) *Normalizer {
	return &Normalizer{log: log}
}

// Normalize selects the branch by metadata.file_type, falling back to probing the
// payload for store data and finally to a generic passthrough.
func (n *Normalizer) Normalize(env model.Envelope) (rec model.Record, err error) {
	fileType := env.Metadata.FileType()
	defer func() {
		var ne *Error
		if errors.As(err, &ne) && ne.FileType == "" {
			ne.FileType = fileType
		}
	}()

	kind := kindFromFileType(fileType)
	payload, err := decodeData(env.Data)
	if err != nil {
		return nil, malformed("data", err)
	}
	root, isObject := payload.(map[string]any)
	if isObject {
		root = unwrap(root)
	}

	if kind == "" {
		if isObject && looksLikeStores(root) {
			kind = model.KindStore
		} else {
			return &model.Generic{Data: env.Data, Metadata: env.Metadata}, nil
		}
	}
	if !isObject {
		return nil, malformed("data", fmt.Errorf("got %T, want object", payload))
	}

	switch kind {
	case model.KindPrice:
		return n.price(root, env.Metadata)
	case model.KindPromo:
		return n.promo(root, env.Metadata)
	case model.KindStore:
		return n.stores(root)
	}
	return &model.Generic{Data: env.Data, Metadata: env.Metadata}, nil
}

func kindFromFileType(ft string) model.Kind {
	ft = strings.ToLower(strings.TrimSpace(ft))
	switch {
	case strings.HasPrefix(ft, "price"):
		return model.KindPrice
	case strings.HasPrefix(ft, "promo"):
		return model.KindPromo
	case strings.HasPrefix(ft, "store"):
		return model.KindStore
	}
	return ""
}

func decodeData(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// unwrap peels up to maxUnwrap levels of single-key wrappers ({"Root": {...}},
// {"OrderXml": {"Envelope": {...}}}). Keys starting with "@" are XML attributes and
// are ignored when counting.
func unwrap(m map[string]any) map[string]any {
	for depth := 0; depth < maxUnwrap; depth++ {
		var (
			only  string
			count int
		)
		for k := range m {
			if strings.HasPrefix(k, "@") {
				continue
			}
			only = k
			count++
		}
		if count != 1 || isContentKey(only) {
			return m
		}
		child, ok := m[only].(map[string]any)
		if !ok {
			return m
		}
		m = child
	}
	return m
}

func isContentKey(k string) bool {
	for _, c := range []container{cItems, cSubChains, cStores, cPromotions} {
		for _, name := range c.outer {
			if strings.EqualFold(k, name) {
				return true
			}
		}
	}
	return false
}

func looksLikeStores(root map[string]any) bool {
	return cSubChains.outer.has(root) || cStores.outer.has(root)
}

func (n *Normalizer) price(root map[string]any, meta model.Metadata) (*model.PriceData, error) {
	out := &model.PriceData{
		ChainID: fChainID.str(root),
		StoreID: meta.StoreID(),
	}
	if out.StoreID == "" {
		out.StoreID = fStoreID.str(root)
	}
	docDate, docTime := documentStamp(root)

	rows, err := cItems.list(root, "data")
	if err != nil {
		return nil, err
	}
	out.Items = make([]model.Item, 0, len(rows))
	for _, row := range rows {
		out.Items = append(out.Items, item(row, docDate, docTime))
	}
	n.log.Debug().Str("chain_id", out.ChainID).Str("store_id", out.StoreID).Int("items", len(out.Items)).Msg("normalized price feed")
	return out, nil
}

func item(row map[string]any, docDate, docTime string) model.Item {
	date, clock := splitDateTime(fItemUpdateDate.str(row))
	if t := fItemUpdateTime.str(row); t != "" {
		clock = t
	}
	if date == "" {
		date = docDate
	}
	if clock == "" {
		clock = docTime
	}
	return model.Item{
		ItemCode:             fItemCode.str(row),
		ItemName:             fItemName.str(row),
		Price:                toDecimal(lookup(fItemPrice, row)),
		Unit:                 fUnitQty.str(row),
		UnitMeasure:          fUnitOfMeasure.str(row),
		Quantity:             toDecimal(lookup(fQuantity, row)),
		Manufacturer:         fManufacturer.str(row),
		Description:          fItemDesc.str(row),
		Category:             fCategory.str(row),
		Subcategory:          fSubcategory.str(row),
		Brand:                fBrand.str(row),
		Promotion:            toBool(lookup(fPromoFlag, row)),
		PromotionPrice:       toDecimal(lookup(fPromoPrice, row)),
		PromotionDescription: fPromoDesc.str(row),
		ManufactureCountry:   fCountry.str(row),
		LastUpdateDate:       date,
		LastUpdateTime:       clock,
	}
}

func (n *Normalizer) stores(root map[string]any) (*model.StoreData, error) {
	out := &model.StoreData{
		ChainID:   fChainID.str(root),
		ChainName: fChainName.str(root),
	}
	docDate, docTime := documentStamp(root)

	subs, err := cSubChains.list(root, "data")
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 && cStores.outer.has(root) {
		// Flat layout: stores directly under the root, sub-chain fields per store.
		subs = []map[string]any{root}
	}
	for i, sub := range subs {
		rows, err := cStores.list(sub, fmt.Sprintf("data.SubChains[%d]", i))
		if err != nil {
			return nil, err
		}
		for _, st := range rows {
			out.Stores = append(out.Stores, store(st, sub, docDate, docTime))
		}
	}
	n.log.Debug().Str("chain_id", out.ChainID).Int("stores", len(out.Stores)).Msg("normalized store feed")
	return out, nil
}

func store(st, sub map[string]any, docDate, docTime string) model.Store {
	s := model.Store{
		SubChainID:     firstNonEmpty(fSubChainID.str(st), fSubChainID.str(sub)),
		SubChainName:   firstNonEmpty(fSubChainName.str(st), fSubChainName.str(sub)),
		StoreID:        fStoreID.str(st),
		BikoretNo:      fBikoretNo.str(st),
		StoreType:      toInt(lookup(fStoreType, st)),
		StoreName:      fStoreName.str(st),
		Address:        fAddress.str(st),
		City:           fCity.str(st),
		ZipCode:        fZipCode.str(st),
		LastUpdateDate: docDate,
		LastUpdateTime: docTime,
	}
	if d := fDocDate.str(st); d != "" {
		s.LastUpdateDate, s.LastUpdateTime = splitDateTime(d)
		if t := fDocTime.str(st); t != "" {
			s.LastUpdateTime = t
		}
	}
	return s
}

func (n *Normalizer) promo(root map[string]any, meta model.Metadata) (*model.PromoData, error) {
	out := &model.PromoData{
		ChainID: fChainID.str(root),
		StoreID: meta.StoreID(),
	}
	if out.StoreID == "" {
		out.StoreID = fStoreID.str(root)
	}
	rows, err := cPromotions.list(root, "data")
	if err != nil {
		return nil, err
	}
	out.Promotions = make([]model.Promotion, 0, len(rows))
	for i, row := range rows {
		p, err := promotion(row, fmt.Sprintf("data.Promotions[%d]", i))
		if err != nil {
			return nil, err
		}
		out.Promotions = append(out.Promotions, p)
	}
	n.log.Debug().Str("chain_id", out.ChainID).Str("store_id", out.StoreID).Int("promotions", len(out.Promotions)).Msg("normalized promo feed")
	return out, nil
}

func promotion(row map[string]any, path string) (model.Promotion, error) {
	p := model.Promotion{
		PromotionID:            fPromotionID.str(row),
		Description:            fPromotionDesc.str(row),
		UpdateDate:             fPromoUpdateDate.str(row),
		StartDate:              fPromoStartDate.str(row),
		StartHour:              fPromoStartHour.str(row),
		EndDate:                fPromoEndDate.str(row),
		EndHour:                fPromoEndHour.str(row),
		DiscountedPrice:        toDecimal(lookup(fDiscountedPrice, row)),
		MinQty:                 toDecimal(lookup(fMinQty, row)),
		RewardType:             fRewardType.str(row),
		AllowMultipleDiscounts: toBool(lookup(fAllowMultiple, row)),
	}
	rows, err := cPromotionItems.list(row, path)
	if err != nil {
		return model.Promotion{}, err
	}
	for _, it := range rows {
		p.Items = append(p.Items, model.PromotionItem{
			ItemCode:   fItemCode.str(it),
			ItemType:   fItemType.str(it),
			IsGiftItem: toBool(lookup(fIsGiftItem, it)),
		})
	}
	return p, nil
}

// documentStamp returns the feed-level last update date and time. Some feed versions
// put both in LastUpdateDate.
func documentStamp(root map[string]any) (string, string) {
	date, clock := splitDateTime(fDocDate.str(root))
	if t := fDocTime.str(root); t != "" {
		clock = t
	}
	return date, clock
}

func lookup(f field, m map[string]any) any {
	v, _ := f.lookup(m)
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
