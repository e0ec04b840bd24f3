/*
Package hmo derives organisation-level balances for HMOs.

PURPOSE:
  What an HMO owes is never stored. It is recomputed from two sums:

    total_due  = Σ amount of COMPLETED payments carrying the hmo_id
    total_paid = Σ amount_paid of the HMO's settlement records

  The total_due and outstanding_balance fields on a settlement record are
  snapshots taken when it was written, for audit display only.

EDITS:
  Editing a settlement record backs out its previous amount before applying
  the new one:

    outstanding = total_due - total_paid + (previous_amount_paid - new_amount_paid)

  An edit that would push outstanding below zero is rejected with an
  OutstandingCapError. New records are not capped.

BATCH:
  Balances runs two grouped queries for any number of HMOs and returns
  exactly what Balance would return per id with no previous amount.

SEE ALSO:
  - ledger/store.go: SumCompletedPaymentsByHmo, SumHmoSettlementsByHmo
*/
package hmo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/hospital-ledger/ledger"
)

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	store  ledger.TxStore
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(r *Reconciler) { r.newID = newID }
}

func NewReconciler(store ledger.TxStore, logger zerolog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		logger: logger.With().Str("component", "hmo").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Balance is one HMO's position.
type Balance struct {
	HmoID              ledger.HmoID    `json:"hmo_id"`
	TotalDue           decimal.Decimal `json:"total_due"`
	TotalPaid          decimal.Decimal `json:"total_paid"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
}

// =============================================================================
// BALANCES
// =============================================================================

// OutstandingBalance computes the HMO's outstanding balance as it would be
// after replacing a settlement of previous (nil for a new record) with next.
func (r *Reconciler) OutstandingBalance(ctx context.Context, id ledger.HmoID, previous *decimal.Decimal, next decimal.Decimal) (*Balance, error) {
	log := r.logger.With().Str("hmo_id", string(id)).Logger()

	b, err := outstandingBalance(ctx, r.store, id, previous, next)
	if err != nil {
		return nil, ledger.Boundary(log, "hmo_outstanding_balance", err)
	}
	return b, nil
}

func outstandingBalance(ctx context.Context, store ledger.Store, id ledger.HmoID, previous *decimal.Decimal, next decimal.Decimal) (*Balance, error) {
	if _, err := store.GetHmo(ctx, id); err != nil {
		return nil, err
	}
	ids := []ledger.HmoID{id}
	due, err := store.SumCompletedPaymentsByHmo(ctx, ids)
	if err != nil {
		return nil, err
	}
	paid, err := store.SumHmoSettlementsByHmo(ctx, ids)
	if err != nil {
		return nil, err
	}

	prev := decimal.Zero
	if previous != nil {
		prev = *previous
	}
	current := due[id].Sub(paid[id])
	return &Balance{
		HmoID:              id,
		TotalDue:           ledger.Money(due[id]),
		TotalPaid:          ledger.Money(paid[id]),
		OutstandingBalance: ledger.Money(current.Add(prev.Sub(next))),
	}, nil
}

// Balances computes many HMOs' balances with two grouped queries. Ids
// without payments or settlements come back as zero, in input order.
func (r *Reconciler) Balances(ctx context.Context, ids []ledger.HmoID) ([]Balance, error) {
	log := r.logger.With().Int("hmo_count", len(ids)).Logger()

	due, err := r.store.SumCompletedPaymentsByHmo(ctx, ids)
	if err != nil {
		return nil, ledger.Boundary(log, "hmo_balances", err)
	}
	paid, err := r.store.SumHmoSettlementsByHmo(ctx, ids)
	if err != nil {
		return nil, ledger.Boundary(log, "hmo_balances", err)
	}

	seen := make(map[ledger.HmoID]bool, len(ids))
	out := make([]Balance, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Balance{
			HmoID:              id,
			TotalDue:           ledger.Money(due[id]),
			TotalPaid:          ledger.Money(paid[id]),
			OutstandingBalance: ledger.Money(due[id].Sub(paid[id])),
		})
	}
	return out, nil
}

// =============================================================================
// SETTLEMENT RECORDS
// =============================================================================

type RecordSettlementInput struct {
	HmoID       ledger.HmoID    `json:"hmo_id" validate:"required"`
	AmountPaid  decimal.Decimal `json:"amount_paid"`
	PaymentDate time.Time       `json:"payment_date"`
	CreatedBy   ledger.StaffID  `json:"created_by" validate:"required"`
}

type UpdateSettlementInput struct {
	SettlementID ledger.HmoSettlementID `json:"settlement_id" validate:"required"`
	AmountPaid   decimal.Decimal        `json:"amount_paid"`
	PaymentDate  *time.Time             `json:"payment_date,omitempty"`
	UpdatedBy    ledger.StaffID         `json:"updated_by" validate:"required"`
}

// RecordSettlement stores money an HMO paid, with snapshots of what it owed
// before and after.
func (r *Reconciler) RecordSettlement(ctx context.Context, in RecordSettlementInput) (*ledger.HmoSettlement, error) {
	log := r.logger.With().Str("hmo_id", string(in.HmoID)).Logger()

	if err := ledger.ValidateStruct(in); err != nil {
		return nil, err
	}
	if !in.AmountPaid.IsPositive() {
		return nil, ledger.Invalid("amount_paid", "must be positive")
	}

	var rec ledger.HmoSettlement
	err := r.store.WithTx(ctx, func(tx ledger.Store) error {
		b, err := outstandingBalance(ctx, tx, in.HmoID, nil, in.AmountPaid)
		if err != nil {
			return err
		}
		now := r.now()
		date := in.PaymentDate
		if date.IsZero() {
			date = now
		}
		rec = ledger.HmoSettlement{
			ID:                 ledger.HmoSettlementID(r.newID()),
			HmoID:              in.HmoID,
			AmountPaid:         ledger.Money(in.AmountPaid),
			TotalDue:           b.TotalDue,
			OutstandingBalance: b.OutstandingBalance,
			PaymentDate:        date,
			CreatedBy:          in.CreatedBy,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		rec.History = append(rec.History, ledger.HistoryEntry{At: now, Event: ledger.HistoryCreated, Actor: in.CreatedBy})
		return tx.SaveHmoSettlement(ctx, rec)
	})
	if err != nil {
		return nil, ledger.Boundary(log, "record_hmo_settlement", err)
	}

	log.Info().
		Str("settlement_id", string(rec.ID)).
		Str("amount_paid", rec.AmountPaid.StringFixed(ledger.MoneyPlaces)).
		Str("outstanding_after", rec.OutstandingBalance.StringFixed(ledger.MoneyPlaces)).
		Msg("hmo settlement recorded")
	return &rec, nil
}

// UpdateSettlement changes a settlement record's amount. The new amount may
// not exceed what the HMO owes once the old amount is backed out.
func (r *Reconciler) UpdateSettlement(ctx context.Context, in UpdateSettlementInput) (*ledger.HmoSettlement, error) {
	log := r.logger.With().Str("settlement_id", string(in.SettlementID)).Logger()

	if err := ledger.ValidateStruct(in); err != nil {
		return nil, err
	}
	if !in.AmountPaid.IsPositive() {
		return nil, ledger.Invalid("amount_paid", "must be positive")
	}

	var rec ledger.HmoSettlement
	err := r.store.WithTx(ctx, func(tx ledger.Store) error {
		s, err := tx.GetHmoSettlementForUpdate(ctx, in.SettlementID)
		if err != nil {
			return err
		}
		previous := s.AmountPaid
		b, err := outstandingBalance(ctx, tx, s.HmoID, &previous, in.AmountPaid)
		if err != nil {
			return err
		}
		if b.OutstandingBalance.IsNegative() {
			return &ledger.OutstandingCapError{
				HmoID:       s.HmoID,
				Outstanding: b.OutstandingBalance.Add(ledger.Money(in.AmountPaid)),
				Requested:   ledger.Money(in.AmountPaid),
			}
		}

		now := r.now()
		s.AmountPaid = ledger.Money(in.AmountPaid)
		s.TotalDue = b.TotalDue
		s.OutstandingBalance = b.OutstandingBalance
		if in.PaymentDate != nil {
			s.PaymentDate = *in.PaymentDate
		}
		s.UpdatedAt = now
		s.History = append(s.History, ledger.HistoryEntry{
			At:    now,
			Event: ledger.HistoryUpdated,
			Actor: in.UpdatedBy,
			Note:  "amount paid " + previous.StringFixed(ledger.MoneyPlaces) + " -> " + s.AmountPaid.StringFixed(ledger.MoneyPlaces),
		})
		rec = *s
		return tx.SaveHmoSettlement(ctx, *s)
	})
	if err != nil {
		return nil, ledger.Boundary(log, "update_hmo_settlement", err)
	}

	log.Info().
		Str("hmo_id", string(rec.HmoID)).
		Str("amount_paid", rec.AmountPaid.StringFixed(ledger.MoneyPlaces)).
		Str("outstanding_after", rec.OutstandingBalance.StringFixed(ledger.MoneyPlaces)).
		Msg("hmo settlement updated")
	return &rec, nil
}
