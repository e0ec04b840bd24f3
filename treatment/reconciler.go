/*
Package treatment reconciles a treatment's billed cost with its payments.

PURPOSE:
  A treatment's cost is Σ(item quantity × unit price) plus the consultation
  fee when it has one. The cost is mutable while the treatment is
  IN_PROGRESS and frozen into BilledAmount when it is completed.

TRANSITIONS:
  Complete:  IN_PROGRESS -> COMPLETED. Reconciles payments, bills the cost
             to the wallet's outstanding pool.
  Reopen:    COMPLETED -> IN_PROGRESS. Removes the billed amount from the
             outstanding pool.
  Reconcile: COMPLETED stays COMPLETED. Re-prices after an item change and
             moves the outstanding pool by the difference.

PAYMENT RECONCILIATION:
  paid = Σ(amount - refund_amount) over COMPLETED payments
  diff = cost - paid

  no payments at all          create one payment for cost
  diff < 0 (overpaid)         latest completed payment gets refund_amount += |diff|
  diff > 0, unsettled exists  latest unsettled payment is repriced to diff
  diff > 0, none unsettled    create a payment for diff (parent = latest completed)
  diff = 0                    nothing owed, latest completed payment gets UPDATED
  cost = 0, none completed    latest unsettled payment is repriced to zero

  Any other unsettled payment left over when nothing is owed is repriced
  to zero, so a stale shortfall can never be confirmed.

SEE ALSO:
  - settlement: confirms the payments created here
  - statement/treatment.go: read-side view of the same numbers
*/
package treatment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/hospital-ledger/ledger"
	"github.com/warp/hospital-ledger/pricing"
)

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	store  ledger.TxStore
	prices pricing.Provider
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

func NewReconciler(store ledger.TxStore, prices pricing.Provider, logger zerolog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		prices: prices,
		logger: logger.With().Str("component", "treatment").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type Input struct {
	TreatmentID ledger.TreatmentID `json:"treatment_id" validate:"required"`
	Actor       ledger.StaffID     `json:"actor" validate:"required"`
}

type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeRefund  Outcome = "refund"
	OutcomeSettled Outcome = "settled"
)

// Result describes what a transition did.
type Result struct {
	Treatment ledger.Treatment          `json:"treatment"`
	Cost      decimal.Decimal           `json:"cost"`
	Outcome   Outcome                   `json:"outcome,omitempty"`
	Payment   *ledger.Payment           `json:"payment,omitempty"`
	Wallet    *ledger.Wallet            `json:"wallet,omitempty"`
	WalletTx  *ledger.WalletTransaction `json:"wallet_transaction,omitempty"`
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Complete freezes the treatment's cost, reconciles its payments and bills
// the cost to the patient's outstanding balance.
func (r *Reconciler) Complete(ctx context.Context, in Input) (*Result, error) {
	return r.run(ctx, in, "complete_treatment", func(tx ledger.Store, t *ledger.Treatment, res *Result) error {
		if t.Status != ledger.TreatmentInProgress {
			return stateError(t, ledger.TreatmentInProgress)
		}
		now := r.now()
		if err := r.reconcilePayments(ctx, tx, t, in.Actor, now, res); err != nil {
			return err
		}
		if err := r.moveOutstanding(ctx, tx, t, res.Cost, in.Actor, now, ledger.EventTreatmentBilled, res); err != nil {
			return err
		}
		t.Status = ledger.TreatmentCompleted
		t.BilledAmount = res.Cost
		return nil
	})
}

// Reopen moves a completed treatment back to IN_PROGRESS and removes what
// completion billed from the outstanding balance.
func (r *Reconciler) Reopen(ctx context.Context, in Input) (*Result, error) {
	return r.run(ctx, in, "reopen_treatment", func(tx ledger.Store, t *ledger.Treatment, res *Result) error {
		if t.Status != ledger.TreatmentCompleted {
			return stateError(t, ledger.TreatmentCompleted)
		}
		if t.BilledAmount.IsPositive() {
			err := r.moveOutstanding(ctx, tx, t, t.BilledAmount.Neg(), in.Actor, r.now(), ledger.EventTreatmentReopened, res)
			if err != nil {
				return err
			}
		}
		t.Status = ledger.TreatmentInProgress
		t.BilledAmount = decimal.Zero
		return nil
	})
}

// Reconcile re-prices a completed treatment whose items changed, reconciles
// its payments against the new cost and moves the outstanding balance by
// the difference from what was billed.
func (r *Reconciler) Reconcile(ctx context.Context, in Input) (*Result, error) {
	return r.run(ctx, in, "reconcile_treatment", func(tx ledger.Store, t *ledger.Treatment, res *Result) error {
		if t.Status != ledger.TreatmentCompleted {
			return stateError(t, ledger.TreatmentCompleted)
		}
		now := r.now()
		if err := r.reconcilePayments(ctx, tx, t, in.Actor, now, res); err != nil {
			return err
		}
		if delta := res.Cost.Sub(t.BilledAmount); !delta.IsZero() {
			if err := r.moveOutstanding(ctx, tx, t, delta, in.Actor, now, ledger.EventTreatmentBilled, res); err != nil {
				return err
			}
		}
		t.BilledAmount = res.Cost
		return nil
	})
}

// run loads and locks the treatment, prices it, applies step and saves the
// treatment, all in one transaction.
func (r *Reconciler) run(ctx context.Context, in Input, op string, step func(ledger.Store, *ledger.Treatment, *Result) error) (*Result, error) {
	log := r.logger.With().Str("treatment_id", string(in.TreatmentID)).Logger()

	if err := ledger.ValidateStruct(in); err != nil {
		return nil, err
	}

	var res Result
	err := r.store.WithTx(ctx, func(tx ledger.Store) error {
		res = Result{}
		t, err := tx.GetTreatmentForUpdate(ctx, in.TreatmentID)
		if err != nil {
			return err
		}
		consultation, err := r.prices.ConsultationFee(ctx)
		if err != nil {
			return err
		}
		if _, res.Cost, err = ledger.TreatmentCost(ctx, tx, *t, consultation); err != nil {
			return err
		}
		if err := step(tx, t, &res); err != nil {
			return err
		}
		t.LastUpdatedBy = in.Actor
		t.UpdatedAt = r.now()
		res.Treatment = *t
		return tx.SaveTreatment(ctx, *t)
	})
	if err != nil {
		return nil, ledger.Boundary(log, op, err)
	}

	ev := log.Info().
		Str("patient_id", string(res.Treatment.PatientID)).
		Str("status", string(res.Treatment.Status)).
		Str("cost", res.Cost.StringFixed(ledger.MoneyPlaces))
	if res.Payment != nil {
		ev = ev.Str("payment_id", string(res.Payment.ID)).Str("outcome", string(res.Outcome))
	}
	if res.Wallet != nil {
		ev = ev.Str("wallet_id", string(res.Wallet.ID)).
			Str("outstanding_after", res.Wallet.OutstandingBalance.StringFixed(ledger.MoneyPlaces))
	}
	ev.Msg(op)
	return &res, nil
}

func stateError(t *ledger.Treatment, expected ledger.TreatmentStatus) error {
	return &ledger.StateError{Kind: "treatment", ID: string(t.ID), State: string(t.Status), Expected: string(expected)}
}

// =============================================================================
// PAYMENT RECONCILIATION
// =============================================================================

func (r *Reconciler) reconcilePayments(ctx context.Context, tx ledger.Store, t *ledger.Treatment, actor ledger.StaffID, now time.Time, res *Result) error {
	payments, err := tx.ListPaymentsByPayable(ctx, ledger.TreatmentRef(t.ID))
	if err != nil {
		return err
	}

	var latestCompleted, latestUnsettled *ledger.Payment
	paid := decimal.Zero
	for i := range payments {
		p := &payments[i]
		if p.Status.Settled() {
			paid = paid.Add(p.Amount).Sub(p.RefundAmount)
			latestCompleted = p
		} else {
			latestUnsettled = p
		}
	}
	diff := res.Cost.Sub(paid)

	var touched *ledger.Payment
	switch {
	case len(payments) == 0:
		touched, err = r.createPayment(ctx, tx, t, res.Cost, "", actor, now)
		res.Outcome = OutcomeCreated
	case diff.IsNegative():
		touched, err = r.recordRefund(ctx, tx, latestCompleted.ID, diff.Neg(), actor, now)
		res.Outcome = OutcomeRefund
	case diff.IsPositive() && latestUnsettled != nil:
		touched, err = r.reprice(ctx, tx, latestUnsettled.ID, diff, actor, now)
		res.Outcome = OutcomeUpdated
	case diff.IsPositive():
		touched, err = r.createPayment(ctx, tx, t, diff, latestCompleted.ID, actor, now)
		res.Outcome = OutcomeCreated
	case latestCompleted == nil:
		// zero cost, only unsettled payments
		touched, err = r.reprice(ctx, tx, latestUnsettled.ID, decimal.Zero, actor, now)
		res.Outcome = OutcomeUpdated
	default:
		touched, err = r.markSettled(ctx, tx, latestCompleted.ID, actor, now)
		res.Outcome = OutcomeSettled
	}
	if err != nil {
		return err
	}

	// Nothing else may stay owed once the balance is settled or repriced
	for i := range payments {
		p := payments[i]
		if p.Status.Settled() || p.ID == touched.ID || p.AmountPayable.IsZero() {
			continue
		}
		if _, err := r.reprice(ctx, tx, p.ID, decimal.Zero, actor, now); err != nil {
			return err
		}
	}
	res.Payment = touched
	return nil
}

func (r *Reconciler) createPayment(ctx context.Context, tx ledger.Store, t *ledger.Treatment, amount decimal.Decimal, parent ledger.PaymentID, actor ledger.StaffID, now time.Time) (*ledger.Payment, error) {
	p := ledger.Payment{
		ID:            ledger.PaymentID(r.newID()),
		PatientID:     t.PatientID,
		Payable:       ledger.TreatmentRef(t.ID),
		Type:          ledger.TypeTreatment,
		Status:        ledger.StatusCreated,
		Amount:        ledger.Money(amount),
		AmountPayable: ledger.Money(amount),
		ParentID:      parent,
		CreatedBy:     actor,
		LastUpdatedBy: actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	p.Record(now, ledger.HistoryCreated, actor, "treatment "+string(t.ID)+" completed")
	if err := tx.SavePayment(ctx, p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Reconciler) reprice(ctx context.Context, tx ledger.Store, id ledger.PaymentID, amount decimal.Decimal, actor ledger.StaffID, now time.Time) (*ledger.Payment, error) {
	p, err := tx.GetPaymentForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Amount = ledger.Money(amount)
	p.AmountPayable = ledger.Money(amount)
	p.LastUpdatedBy = actor
	p.UpdatedAt = now
	p.Record(now, ledger.HistoryUpdated, actor, "repriced to "+p.AmountPayable.StringFixed(ledger.MoneyPlaces))
	if err := tx.SavePayment(ctx, *p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Reconciler) markSettled(ctx context.Context, tx ledger.Store, id ledger.PaymentID, actor ledger.StaffID, now time.Time) (*ledger.Payment, error) {
	p, err := tx.GetPaymentForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	p.LastUpdatedBy = actor
	p.UpdatedAt = now
	p.Record(now, ledger.HistoryUpdated, actor, "balance settled")
	if err := tx.SavePayment(ctx, *p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Reconciler) recordRefund(ctx context.Context, tx ledger.Store, id ledger.PaymentID, refund decimal.Decimal, actor ledger.StaffID, now time.Time) (*ledger.Payment, error) {
	p, err := tx.GetPaymentForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	p.RefundAmount = ledger.Money(p.RefundAmount.Add(refund))
	p.LastUpdatedBy = actor
	p.UpdatedAt = now
	p.Record(now, ledger.HistoryUpdated, actor, "")
	p.Record(now, ledger.HistoryRefund, actor, "refund due "+p.RefundAmount.StringFixed(ledger.MoneyPlaces))
	if err := tx.SavePayment(ctx, *p); err != nil {
		return nil, err
	}
	return p, nil
}

// =============================================================================
// WALLET
// =============================================================================

// moveOutstanding adds delta to the outstanding pool, or removes it when
// negative. Removal is clamped at zero by the wallet.
func (r *Reconciler) moveOutstanding(
	ctx context.Context,
	tx ledger.Store,
	t *ledger.Treatment,
	delta decimal.Decimal,
	actor ledger.StaffID,
	now time.Time,
	event ledger.WalletEvent,
	res *Result,
) error {
	w, err := tx.GetWalletByPatientForUpdate(ctx, t.PatientID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.Invariant("patient %s has no wallet", t.PatientID)
	}
	if err != nil {
		return err
	}

	var wtx ledger.WalletTransaction
	if delta.IsNegative() {
		if event == ledger.EventTreatmentBilled {
			event = ledger.EventTreatmentReopened
		}
		wtx, err = w.ReduceOutstanding(delta.Neg(), event)
	} else {
		wtx, err = w.AddOutstanding(delta, event)
	}
	if err != nil {
		return err
	}
	if err := w.CheckInvariant(); err != nil {
		return err
	}
	w.UpdatedAt = now

	wtx.ID = ledger.WalletTransactionID(r.newID())
	if res.Payment != nil {
		wtx.PaymentID = res.Payment.ID
	}
	wtx.CreatedBy = actor
	wtx.CreatedAt = now
	wtx.Meta["treatment_id"] = string(t.ID)
	if err := tx.SaveWallet(ctx, *w); err != nil {
		return err
	}
	if err := tx.AppendWalletTransaction(ctx, wtx); err != nil {
		return err
	}
	res.Wallet = w
	res.WalletTx = &wtx
	return nil
}
