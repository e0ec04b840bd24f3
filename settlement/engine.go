/*
Package settlement applies payments to wallets, HMOs and pharmacy stock.

PURPOSE:
  The Settlement Engine owns every payment state transition:

    recordPayment:  creates a CREATED/PENDING payment for a billable entity
    updateAmount:   reprices an unsettled payment
    markAsPaid:     CREATED/PENDING -> COMPLETED with all side effects
    markAsUnpaid:   COMPLETED -> PENDING, reversing those side effects
    discharge:      bills an admission's stay against the patient wallet

ATOMICITY:
  Every operation runs inside one TxStore.WithTx. A failure at any step
  (stock check, wallet lookup, HMO mismatch, duplicate reference) rolls
  back stock counters, wallet pools, audit rows and payment status
  together.

LOCK ORDER:
  payment -> products (ascending id) -> wallet. Every operation that takes
  more than one lock takes them in this order.

IDEMPOTENCY:
  markAsPaid on a COMPLETED payment fails with ErrPaymentAlreadyCompleted;
  markAsUnpaid on anything else fails with ErrPaymentNotCompleted. Neither
  mutates anything.

SEE ALSO:
  - ledger/wallet.go: Pool arithmetic used by every wallet step
  - statement: Read-side projection over the payments written here
*/
package settlement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/hospital-ledger/ledger"
	"github.com/warp/hospital-ledger/pricing"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store  ledger.TxStore
	prices pricing.Provider
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Engine)

// WithClock overrides time.Now, for deterministic history and day counts.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides uuid generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func NewEngine(store ledger.TxStore, prices pricing.Provider, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		prices: prices,
		logger: logger.With().Str("component", "settlement").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// INPUTS
// =============================================================================

// SaleItemInput is one pharmacy line attached to a PHARMACY payment.
type SaleItemInput struct {
	ProductID ledger.ProductID `json:"product_id" validate:"required"`
	Quantity  int64            `json:"quantity" validate:"min=1"`
}

// RecordPaymentInput describes a new payment. AmountPayable defaults to
// Amount.
type RecordPaymentInput struct {
	Payable       ledger.BillableRef   `json:"payable"`
	PatientID     ledger.PatientID     `json:"patient_id"`
	Type          ledger.PaymentType   `json:"type" validate:"required,oneof=ADMISSION TREATMENT LAB-TEST RADIOLOGY-TEST PHARMACY DEPOSIT ACCOUNT HMO CONSULTATION ANTE-NATAL"`
	Method        ledger.PaymentMethod `json:"payment_method" validate:"omitempty,oneof=WALLET TRANSFER HMO CASH"`
	Amount        decimal.Decimal      `json:"amount"`
	AmountPayable *decimal.Decimal     `json:"amount_payable,omitempty"`
	HmoID         ledger.HmoID         `json:"hmo_id,omitempty"`
	ParentID      ledger.PaymentID     `json:"parent_id,omitempty"`
	Remark        string               `json:"remark,omitempty"`
	SaleItems     []SaleItemInput      `json:"sale_items,omitempty" validate:"dive"`
	CreatedBy     ledger.StaffID       `json:"created_by" validate:"required"`
}

type UpdateAmountInput struct {
	PaymentID     ledger.PaymentID `json:"payment_id" validate:"required"`
	Amount        decimal.Decimal  `json:"amount"`
	AmountPayable *decimal.Decimal `json:"amount_payable,omitempty"`
	UpdatedBy     ledger.StaffID   `json:"updated_by" validate:"required"`
}

type MarkAsPaidInput struct {
	PaymentID         ledger.PaymentID     `json:"payment_id" validate:"required"`
	Method            ledger.PaymentMethod `json:"payment_method" validate:"required,oneof=WALLET TRANSFER HMO CASH"`
	HmoID             ledger.HmoID         `json:"hmo_id,omitempty" validate:"required_if=Method HMO"`
	TransferReference string               `json:"transfer_reference,omitempty" validate:"required_if=Method TRANSFER"`
	BankTransferTo    string               `json:"bank_transfer_to,omitempty"`
	Remark            string               `json:"remark,omitempty"`
	ConfirmedBy       ledger.StaffID       `json:"confirmed_by" validate:"required"`
}

type MarkAsUnpaidInput struct {
	PaymentID ledger.PaymentID `json:"payment_id" validate:"required"`
	Actor     ledger.StaffID   `json:"actor" validate:"required"`
}

// =============================================================================
// RECORD PAYMENT
// =============================================================================

// RecordPayment creates an unsettled payment. It is PENDING when a method is
// already known and CREATED otherwise.
func (e *Engine) RecordPayment(ctx context.Context, in RecordPaymentInput) (*ledger.Payment, error) {
	log := e.logger.With().Str("patient_id", string(in.PatientID)).Str("payable", in.Payable.String()).Logger()

	if err := ledger.ValidateStruct(in); err != nil {
		return nil, err
	}
	if !in.Payable.Kind.Valid() || in.Payable.ID == "" {
		return nil, ledger.Invalid("payable", "unknown billable reference %q", in.Payable.String())
	}
	payable := in.Amount
	if in.AmountPayable != nil {
		payable = *in.AmountPayable
	}
	if in.Amount.IsNegative() || payable.IsNegative() {
		return nil, ledger.Invalid("amount", "must not be negative")
	}
	if in.Type == ledger.TypePharmacy && len(in.SaleItems) == 0 {
		return nil, ledger.Invalid("sale_items", "pharmacy payments need at least one item")
	}

	now := e.now()
	p := ledger.Payment{
		ID:            ledger.PaymentID(e.newID()),
		PatientID:     in.PatientID,
		Payable:       in.Payable,
		Type:          in.Type,
		Method:        in.Method,
		Status:        ledger.StatusCreated,
		Amount:        ledger.Money(in.Amount),
		AmountPayable: ledger.Money(payable),
		HmoID:         in.HmoID,
		ParentID:      in.ParentID,
		Remark:        in.Remark,
		CreatedBy:     in.CreatedBy,
		LastUpdatedBy: in.CreatedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.Method != "" {
		p.Status = ledger.StatusPending
	}
	p.Record(now, ledger.HistoryCreated, in.CreatedBy, "")

	err := e.store.WithTx(ctx, func(tx ledger.Store) error {
		if in.PatientID != "" {
			if _, err := tx.GetPatient(ctx, in.PatientID); err != nil {
				return err
			}
		}
		if in.ParentID != "" {
			if _, err := tx.GetPayment(ctx, in.ParentID); err != nil {
				return err
			}
		}
		for _, item := range in.SaleItems {
			if _, err := tx.GetProduct(ctx, item.ProductID); err != nil {
				return err
			}
			if err := tx.SaveSaleItem(ctx, ledger.SaleItem{
				ID:           ledger.SaleItemID(e.newID()),
				PaymentID:    p.ID,
				ProductID:    item.ProductID,
				QuantitySold: item.Quantity,
			}); err != nil {
				return err
			}
		}
		return tx.SavePayment(ctx, p)
	})
	if err != nil {
		return nil, ledger.Boundary(log, "record_payment", err)
	}

	log.Info().
		Str("payment_id", string(p.ID)).
		Str("type", string(p.Type)).
		Str("amount_payable", p.AmountPayable.StringFixed(ledger.MoneyPlaces)).
		Msg("payment recorded")
	return &p, nil
}

// =============================================================================
// UPDATE AMOUNT
// =============================================================================

// UpdateAmount reprices an unsettled payment. Completed payments are frozen.
func (e *Engine) UpdateAmount(ctx context.Context, in UpdateAmountInput) (*ledger.Payment, error) {
	log := e.logger.With().Str("payment_id", string(in.PaymentID)).Logger()

	if err := ledger.ValidateStruct(in); err != nil {
		return nil, err
	}
	payable := in.Amount
	if in.AmountPayable != nil {
		payable = *in.AmountPayable
	}
	if in.Amount.IsNegative() || payable.IsNegative() {
		return nil, ledger.Invalid("amount", "must not be negative")
	}

	var updated ledger.Payment
	err := e.store.WithTx(ctx, func(tx ledger.Store) error {
		p, err := tx.GetPaymentForUpdate(ctx, in.PaymentID)
		if err != nil {
			return err
		}
		if p.Status == ledger.StatusCompleted {
			return ledger.ErrPaymentAlreadyCompleted
		}
		now := e.now()
		p.Amount = ledger.Money(in.Amount)
		p.AmountPayable = ledger.Money(payable)
		p.LastUpdatedBy = in.UpdatedBy
		p.UpdatedAt = now
		p.Record(now, ledger.HistoryUpdated, in.UpdatedBy, "amount changed to "+p.AmountPayable.StringFixed(ledger.MoneyPlaces))
		updated = *p
		return tx.SavePayment(ctx, *p)
	})
	if err != nil {
		return nil, ledger.Boundary(log, "update_amount", err)
	}

	log.Info().Str("amount_payable", updated.AmountPayable.StringFixed(ledger.MoneyPlaces)).Msg("payment amount updated")
	return &updated, nil
}
