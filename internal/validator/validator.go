// Package validator decides whether a normalized record may be enriched and persisted.
package validator

import (
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"pricefeed/internal/model"
)

// Validator is the pass/fail contract the consumer depends on.
type Validator interface {
	Validate(rec model.Record) bool
}

// Default checks the struct-tag rules on the model types: identity fields present,
// numeric fields non-negative.
type Default struct {
	v *validator.Validate
}

// New returns the default rule set.
func New() *Default {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})
	return &Default{v: v}
}

// decimalValue lets numeric tags (gte, lte) apply to decimal fields.
func decimalValue(field reflect.Value) interface{} {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		f, _ := d.Float64()
		return f
	}
	return nil
}

func (d *Default) Validate(rec model.Record) bool {
	return d.Check(rec) == nil
}

// Check returns the first rule violation, or nil.
func (d *Default) Check(rec model.Record) error {
	switch r := rec.(type) {
	case nil:
		return fmt.Errorf("nil record")
	case *model.Generic:
		return nil
	case *model.PriceData, *model.PromoData, *model.StoreData:
		if err := d.v.Struct(r); err != nil {
			return fmt.Errorf("%s: %w", rec.Kind(), err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported record %T", rec)
	}
}
