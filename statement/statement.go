/*
Package statement builds read-side financial statements.

PURPOSE:
  An admission's bill is never stored. It is projected on demand from its
  treatments, treatment items, lab requests, bed days and the completed
  payments tied to it, as an ordered list of charge and credit lines with a
  running balance.

ADMISSION SUMMARY ORDER:
  For each treatment (created_at ascending):
    "{type} Treatment Charge"  flat treatment session fee
    "{product}"                quantity × unit_price, per item
    "{service} Test"           service price, per lab request
  "Bed Space (N days)"         bed_space_price × days_spent, after all treatments
  "Payment ({method})"         credit, per COMPLETED payment (created_at ascending)

SELF-CHECK:
  Totals are derived a second time, independently of the running ledger.
  If the ledger's closing balance and total_charges - total_payments
  disagree, the summary fails with an invariant violation instead of
  showing inconsistent numbers.

CONSISTENCY:
  Reads run outside a transaction. Concurrent writes may or may not be
  visible; statements are reporting views.

SEE ALSO:
  - settlement/discharge.go: the bill actually charged at discharge
  - treatment: reconciliation that writes the payments shown here
*/
package statement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/hospital-ledger/ledger"
	"github.com/warp/hospital-ledger/pricing"
)

// =============================================================================
// TYPES
// =============================================================================

type LineKind string

const (
	LineCharge LineKind = "charge"
	LineCredit LineKind = "credit"
)

// Line is one row of a statement. Exactly one of Charge and Credit is set.
type Line struct {
	Date        time.Time       `json:"date"`
	Kind        LineKind        `json:"kind"`
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity,omitempty"`
	Charge      decimal.Decimal `json:"charge"`
	Credit      decimal.Decimal `json:"credit"`
	Balance     decimal.Decimal `json:"balance"`
	Reference   string          `json:"reference,omitempty"`
}

// Totals is the independently derived totals block of an admission summary.
type Totals struct {
	DaysSpent          int64           `json:"days_spent"`
	BedCost            decimal.Decimal `json:"bed_cost"`
	TreatmentCost      decimal.Decimal `json:"treatment_cost"`
	TotalCharges       decimal.Decimal `json:"total_charges"`
	TotalPayments      decimal.Decimal `json:"total_payments"`
	BalanceDue         decimal.Decimal `json:"balance_due"`
	DepositBalance     decimal.Decimal `json:"deposit_balance"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
}

type AdmissionSummary struct {
	AdmissionID ledger.AdmissionID `json:"admission_id"`
	PatientID   ledger.PatientID   `json:"patient_id"`
	AsOf        time.Time          `json:"as_of"`
	Records     []Line             `json:"records"`
	Totals      Totals             `json:"totals"`
}

// =============================================================================
// BUILDER
// =============================================================================

type Builder struct {
	store  ledger.Store
	prices pricing.Provider
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Builder)

func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

func NewBuilder(store ledger.Store, prices pricing.Provider, logger zerolog.Logger, opts ...Option) *Builder {
	b := &Builder{
		store:  store,
		prices: prices,
		logger: logger.With().Str("component", "statement").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ledgerLines accumulates lines with a running balance.
type ledgerLines struct {
	lines   []Line
	balance decimal.Decimal
}

func (l *ledgerLines) charge(at time.Time, desc string, qty int64, amount decimal.Decimal, ref string) {
	amount = ledger.Money(amount)
	l.balance = l.balance.Add(amount)
	l.lines = append(l.lines, Line{
		Date: at, Kind: LineCharge, Description: desc, Quantity: qty,
		Charge: amount, Credit: decimal.Zero, Balance: l.balance, Reference: ref,
	})
}

func (l *ledgerLines) credit(at time.Time, desc string, amount decimal.Decimal, ref string) {
	amount = ledger.Money(amount)
	l.balance = l.balance.Sub(amount)
	l.lines = append(l.lines, Line{
		Date: at, Kind: LineCredit, Description: desc,
		Charge: decimal.Zero, Credit: amount, Balance: l.balance, Reference: ref,
	})
}

// =============================================================================
// ADMISSION SUMMARY
// =============================================================================

// AdmissionSummary projects the admission's bill. Days are counted up to the
// discharge date once discharged, up to now before that.
func (b *Builder) AdmissionSummary(ctx context.Context, id ledger.AdmissionID) (*AdmissionSummary, error) {
	log := b.logger.With().Str("admission_id", string(id)).Logger()

	s, err := b.admissionSummary(ctx, id)
	if err != nil {
		return nil, ledger.Boundary(log, "admission_summary", err)
	}
	log.Debug().
		Int("records", len(s.Records)).
		Str("total_charges", s.Totals.TotalCharges.StringFixed(ledger.MoneyPlaces)).
		Str("balance_due", s.Totals.BalanceDue.StringFixed(ledger.MoneyPlaces)).
		Msg("admission summary built")
	return s, nil
}

func (b *Builder) admissionSummary(ctx context.Context, id ledger.AdmissionID) (*AdmissionSummary, error) {
	a, err := b.store.GetAdmission(ctx, id)
	if err != nil {
		return nil, err
	}
	asOf := b.now()
	if a.DischargeDate != nil {
		asOf = *a.DischargeDate
	}

	sessionFee, err := b.prices.TreatmentSessionFee(ctx)
	if err != nil {
		return nil, err
	}
	bedPrice, err := b.prices.BedSpacePrice(ctx)
	if err != nil {
		return nil, err
	}
	treatments, err := b.store.ListTreatmentsByAdmission(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := b.admissionPayments(ctx, a, treatments)
	if err != nil {
		return nil, err
	}
	days := ledger.DaysSpent(a.AdmissionDate, asOf)
	bedCost := ledger.Money(bedPrice.Mul(decimal.NewFromInt(days)))

	// Running ledger
	var l ledgerLines
	for _, t := range treatments {
		l.charge(t.CreatedAt, t.TreatmentType+" Treatment Charge", 1, sessionFee, string(t.ID))
		charges, _, err := ledger.PriceItems(ctx, b.store, t.Items)
		if err != nil {
			return nil, err
		}
		for _, c := range charges {
			l.charge(t.CreatedAt, c.Product.Name, c.Quantity, c.Charge, string(c.Product.ID))
		}
		labs, err := b.store.ListLabRequestsByTreatment(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range labs {
			price, err := b.prices.ServicePrice(ctx, r.ServiceName)
			if err != nil {
				return nil, err
			}
			l.charge(r.CreatedAt, r.ServiceName+" Test", 1, price, string(r.ID))
		}
	}
	l.charge(asOf, fmt.Sprintf("Bed Space (%d days)", days), days, bedCost, a.BedID)
	for _, p := range payments {
		l.credit(p.CreatedAt, paymentLabel(p), p.Amount, string(p.ID))
	}

	// Totals, derived again without the ledger
	treatmentCost, err := b.treatmentCost(ctx, treatments, sessionFee)
	if err != nil {
		return nil, err
	}
	totalPayments := decimal.Zero
	for _, p := range payments {
		totalPayments = totalPayments.Add(ledger.Money(p.Amount))
	}
	totals := Totals{
		DaysSpent:     days,
		BedCost:       bedCost,
		TreatmentCost: treatmentCost,
		TotalCharges:  bedCost.Add(treatmentCost),
		TotalPayments: totalPayments,
	}
	totals.BalanceDue = ledger.MaxZero(totals.TotalCharges.Sub(totals.TotalPayments))

	deposit := decimal.Zero
	w, err := b.store.GetWalletByPatient(ctx, a.PatientID)
	switch {
	case err == nil:
		deposit = w.DepositBalance
	case !ledger.IsNotFound(err):
		return nil, err
	}
	totals.DepositBalance = deposit
	totals.OutstandingBalance = ledger.MaxZero(totals.BalanceDue.Sub(deposit))

	if want := totals.TotalCharges.Sub(totals.TotalPayments); !l.balance.Equal(want) {
		return nil, ledger.Invariant("admission %s ledger closes at %s but totals give %s",
			id, l.balance.StringFixed(ledger.MoneyPlaces), want.StringFixed(ledger.MoneyPlaces))
	}

	return &AdmissionSummary{
		AdmissionID: a.ID,
		PatientID:   a.PatientID,
		AsOf:        asOf,
		Records:     l.lines,
		Totals:      totals,
	}, nil
}

func (b *Builder) treatmentCost(ctx context.Context, treatments []ledger.Treatment, sessionFee decimal.Decimal) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, t := range treatments {
		_, items, err := ledger.PriceItems(ctx, b.store, t.Items)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(sessionFee).Add(items)

		labs, err := b.store.ListLabRequestsByTreatment(ctx, t.ID)
		if err != nil {
			return decimal.Zero, err
		}
		for _, r := range labs {
			price, err := b.prices.ServicePrice(ctx, r.ServiceName)
			if err != nil {
				return decimal.Zero, err
			}
			total = total.Add(ledger.Money(price))
		}
	}
	return ledger.Money(total), nil
}

// admissionPayments returns the COMPLETED payments billed to the admission
// or to one of its treatments, oldest first.
func (b *Builder) admissionPayments(ctx context.Context, a *ledger.Admission, treatments []ledger.Treatment) ([]ledger.Payment, error) {
	refs := []ledger.BillableRef{ledger.AdmissionRef(a.ID)}
	for _, t := range treatments {
		refs = append(refs, ledger.TreatmentRef(t.ID))
	}
	var out []ledger.Payment
	for _, ref := range refs {
		ps, err := b.store.ListPaymentsByPayable(ctx, ref)
		if err != nil {
			return nil, err
		}
		for _, p := range ps {
			if p.Status.Settled() {
				out = append(out, p)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func paymentLabel(p ledger.Payment) string {
	if p.Method == "" {
		return "Payment"
	}
	return fmt.Sprintf("Payment (%s)", p.Method)
}
