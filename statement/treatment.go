package statement

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/hospital-ledger/ledger"
)

// =============================================================================
// TREATMENT STATEMENT
// =============================================================================

// TreatmentStatement lists what one treatment billed and what was paid
// against it. A refund owed to the patient shows as a charge that brings an
// overpaid balance back up.
type TreatmentStatement struct {
	TreatmentID   ledger.TreatmentID     `json:"treatment_id"`
	PatientID     ledger.PatientID       `json:"patient_id"`
	Status        ledger.TreatmentStatus `json:"status"`
	BilledAmount  decimal.Decimal        `json:"billed_amount"`
	Records       []Line                 `json:"records"`
	TotalCharges  decimal.Decimal        `json:"total_charges"`
	TotalPayments decimal.Decimal        `json:"total_payments"`
	TotalRefunds  decimal.Decimal        `json:"total_refunds"`
	Balance       decimal.Decimal        `json:"balance"`
}

func (b *Builder) TreatmentStatement(ctx context.Context, id ledger.TreatmentID) (*TreatmentStatement, error) {
	log := b.logger.With().Str("treatment_id", string(id)).Logger()

	s, err := b.treatmentStatement(ctx, id)
	if err != nil {
		return nil, ledger.Boundary(log, "treatment_statement", err)
	}
	return s, nil
}

func (b *Builder) treatmentStatement(ctx context.Context, id ledger.TreatmentID) (*TreatmentStatement, error) {
	t, err := b.store.GetTreatment(ctx, id)
	if err != nil {
		return nil, err
	}
	consultation, err := b.prices.ConsultationFee(ctx)
	if err != nil {
		return nil, err
	}
	charges, _, err := ledger.TreatmentCost(ctx, b.store, *t, consultation)
	if err != nil {
		return nil, err
	}
	labs, err := b.store.ListLabRequestsByTreatment(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := b.store.ListPaymentsByPayable(ctx, ledger.TreatmentRef(id))
	if err != nil {
		return nil, err
	}

	var l ledgerLines
	st := &TreatmentStatement{
		TreatmentID:   t.ID,
		PatientID:     t.PatientID,
		Status:        t.Status,
		BilledAmount:  t.BilledAmount,
		TotalCharges:  decimal.Zero,
		TotalPayments: decimal.Zero,
		TotalRefunds:  decimal.Zero,
	}
	if t.WithConsultation {
		l.charge(t.CreatedAt, "Consultation Fee", 1, consultation, string(t.ID))
		st.TotalCharges = st.TotalCharges.Add(consultation)
	}
	for _, c := range charges {
		l.charge(t.CreatedAt, c.Product.Name, c.Quantity, c.Charge, string(c.Product.ID))
		st.TotalCharges = st.TotalCharges.Add(c.Charge)
	}
	for _, r := range labs {
		price, err := b.prices.ServicePrice(ctx, r.ServiceName)
		if err != nil {
			return nil, err
		}
		l.charge(r.CreatedAt, r.ServiceName+" Test", 1, price, string(r.ID))
		st.TotalCharges = st.TotalCharges.Add(price)
	}

	sort.SliceStable(payments, func(i, j int) bool { return payments[i].CreatedAt.Before(payments[j].CreatedAt) })
	for _, p := range payments {
		if !p.Status.Settled() {
			continue
		}
		l.credit(p.CreatedAt, paymentLabel(p), p.Amount, string(p.ID))
		st.TotalPayments = st.TotalPayments.Add(p.Amount)
		if p.RefundAmount.IsPositive() {
			l.charge(p.UpdatedAt, "Refund", 0, p.RefundAmount, string(p.ID))
			st.TotalRefunds = st.TotalRefunds.Add(p.RefundAmount)
		}
	}

	st.Records = l.lines
	st.Balance = l.balance
	return st, nil
}
