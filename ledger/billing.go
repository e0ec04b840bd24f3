package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SHARED BILLING ARITHMETIC
// =============================================================================

// DaysSpent counts whole days between admission and asOf, at least 1.
func DaysSpent(admitted, asOf time.Time) int64 {
	days := int64(asOf.Sub(admitted) / (24 * time.Hour))
	if days < 1 {
		return 1
	}
	return days
}

// ItemCharge is one priced treatment item.
type ItemCharge struct {
	Product  Product
	Quantity int64
	Charge   decimal.Decimal
}

// PriceItems looks up each item's product and prices it at
// quantity × unit_price.
func PriceItems(ctx context.Context, store InventoryStore, items []TreatmentItem) ([]ItemCharge, decimal.Decimal, error) {
	charges := make([]ItemCharge, 0, len(items))
	total := decimal.Zero
	for _, item := range items {
		if item.Quantity < 0 {
			return nil, decimal.Zero, Invalid("quantity", "item %s has a negative quantity", item.ProductID)
		}
		p, err := store.GetProduct(ctx, item.ProductID)
		if err != nil {
			return nil, decimal.Zero, err
		}
		charge := Money(p.UnitPrice.Mul(decimal.NewFromInt(item.Quantity)))
		charges = append(charges, ItemCharge{Product: *p, Quantity: item.Quantity, Charge: charge})
		total = total.Add(charge)
	}
	return charges, total, nil
}

// TreatmentCost is what a treatment bills: its items plus the consultation
// fee when the treatment carries one.
func TreatmentCost(ctx context.Context, store InventoryStore, t Treatment, consultationFee decimal.Decimal) ([]ItemCharge, decimal.Decimal, error) {
	charges, total, err := PriceItems(ctx, store, t.Items)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if t.WithConsultation {
		total = total.Add(consultationFee)
	}
	return charges, Money(total), nil
}

// =============================================================================
// OPERATION BOUNDARY
// =============================================================================

// Boundary prepares an operation's error for the caller. Classified errors
// are returned unchanged. Anything else is logged with the ids already on
// logger and replaced by ErrRetryable, so no partial success is reported.
func Boundary(logger zerolog.Logger, op string, err error) error {
	if err == nil || Classified(err) {
		return err
	}
	logger.Error().Err(err).Str("op", op).Msg("operation failed")
	return ErrRetryable
}
