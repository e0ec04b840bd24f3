package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/hospital-ledger/ledger"
)

// =============================================================================
// DISCHARGE SETTLEMENT
// =============================================================================

type DischargeInput struct {
	AdmissionID  ledger.AdmissionID `json:"admission_id" validate:"required"`
	DischargedBy ledger.StaffID     `json:"discharged_by" validate:"required"`
}

// DischargeCost is the bill computed at discharge.
type DischargeCost struct {
	DaysSpent      int64           `json:"days_spent"`
	BedCost        decimal.Decimal `json:"bed_cost"`
	TreatmentsCost decimal.Decimal `json:"treatments_cost"`
	Total          decimal.Decimal `json:"total"`
}

// DischargeResult is the payment created at discharge plus the bill behind it.
type DischargeResult struct {
	Payment ledger.Payment           `json:"payment"`
	Cost    DischargeCost            `json:"cost"`
	Wallet  ledger.Wallet            `json:"wallet"`
	Debit   ledger.WalletTransaction `json:"wallet_transaction"`
}

// ErrDischargeFailed prefixes every discharge failure.
var ErrDischargeFailed = errors.New("unable to process discharge payment")

// Discharge bills the stay against the patient's wallet and marks the
// admission discharged:
//
//	total = bed_price × days_spent + Σ treatments (items + one consultation fee each)
//
// When the deposit covers total the payment is COMPLETED. Otherwise the
// deposit is drained, the shortfall becomes outstanding, and the payment is
// left CREATED with amount = what the deposit covered and amount_payable =
// total. Payment, wallet and admission change together or not at all.
func (e *Engine) Discharge(ctx context.Context, in DischargeInput) (*DischargeResult, error) {
	log := e.logger.With().Str("admission_id", string(in.AdmissionID)).Logger()

	if err := ledger.ValidateStruct(in); err != nil {
		return nil, err
	}

	var result DischargeResult
	err := e.store.WithTx(ctx, func(tx ledger.Store) error {
		a, err := tx.GetAdmissionForUpdate(ctx, in.AdmissionID)
		if err != nil {
			return err
		}
		if a.Discharged() {
			return ledger.ErrAdmissionAlreadyDischarged
		}
		now := e.now()

		cost, err := e.dischargeCost(ctx, tx, a, now)
		if err != nil {
			return err
		}

		w, err := tx.GetWalletByPatientForUpdate(ctx, a.PatientID)
		if errors.Is(err, ledger.ErrNotFound) {
			return ledger.Invariant("patient %s has no wallet", a.PatientID)
		}
		if err != nil {
			return err
		}
		covered := decimal.Min(cost.Total, w.DepositBalance)

		debit, err := w.DebitForPayment(cost.Total, ledger.EventDischargeDebit)
		if err != nil {
			return err
		}
		w.UpdatedAt = now

		p := ledger.Payment{
			ID:            ledger.PaymentID(e.newID()),
			PatientID:     a.PatientID,
			Payable:       ledger.AdmissionRef(a.ID),
			Type:          ledger.TypeAdmission,
			Method:        ledger.MethodWallet,
			Status:        ledger.StatusCreated,
			Amount:        covered,
			AmountPayable: cost.Total,
			CreatedBy:     in.DischargedBy,
			LastUpdatedBy: in.DischargedBy,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		p.Record(now, ledger.HistoryCreated, in.DischargedBy, "discharge bill")
		if covered.Equal(cost.Total) {
			p.Status = ledger.StatusCompleted
			p.ConfirmedBy = in.DischargedBy
			p.Record(now, ledger.HistoryCompleted, in.DischargedBy, "")
			p.Record(now, ledger.HistoryConfirmed, in.DischargedBy, "settled from deposit")
		}

		debit.ID = ledger.WalletTransactionID(e.newID())
		debit.PaymentID = p.ID
		debit.CreatedBy = in.DischargedBy
		debit.CreatedAt = now

		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}
		if err := tx.SaveWallet(ctx, *w); err != nil {
			return err
		}
		if err := tx.AppendWalletTransaction(ctx, debit); err != nil {
			return err
		}
		a.DischargeDate = &now
		if err := tx.SaveAdmission(ctx, *a); err != nil {
			return err
		}

		result = DischargeResult{Payment: p, Cost: cost, Wallet: *w, Debit: debit}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDischargeFailed, ledger.Boundary(log, "discharge", err))
	}

	log.Info().
		Str("patient_id", string(result.Payment.PatientID)).
		Str("payment_id", string(result.Payment.ID)).
		Str("status", string(result.Payment.Status)).
		Str("total", result.Cost.Total.StringFixed(ledger.MoneyPlaces)).
		Str("covered", result.Payment.Amount.StringFixed(ledger.MoneyPlaces)).
		Str("outstanding_after", result.Wallet.OutstandingBalance.StringFixed(ledger.MoneyPlaces)).
		Msg("admission discharged")
	return &result, nil
}

// dischargeCost prices the stay up to asOf.
func (e *Engine) dischargeCost(ctx context.Context, tx ledger.Store, a *ledger.Admission, asOf time.Time) (DischargeCost, error) {
	bedPrice, err := e.prices.BedSpacePrice(ctx)
	if err != nil {
		return DischargeCost{}, err
	}
	consultation, err := e.prices.ConsultationFee(ctx)
	if err != nil {
		return DischargeCost{}, err
	}

	days := ledger.DaysSpent(a.AdmissionDate, asOf)
	cost := DischargeCost{
		DaysSpent:      days,
		BedCost:        ledger.Money(bedPrice.Mul(decimal.NewFromInt(days))),
		TreatmentsCost: decimal.Zero,
	}

	treatments, err := tx.ListTreatmentsByAdmission(ctx, a.ID)
	if err != nil {
		return DischargeCost{}, err
	}
	for _, t := range treatments {
		_, items, err := ledger.PriceItems(ctx, tx, t.Items)
		if err != nil {
			return DischargeCost{}, err
		}
		cost.TreatmentsCost = cost.TreatmentsCost.Add(items).Add(consultation)
	}
	cost.Total = ledger.Money(cost.BedCost.Add(cost.TreatmentsCost))
	return cost, nil
}
