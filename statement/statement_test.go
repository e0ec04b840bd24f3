package statement_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/hospital-ledger/ledger"
	"github.com/warp/hospital-ledger/ledger/memory"
	"github.com/warp/hospital-ledger/pricing"
	"github.com/warp/hospital-ledger/statement"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var day1 = time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertMoney(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, money(want).Equal(got), "%s: want %s, got %s", msg, want, got.StringFixed(2))
}

type line struct {
	desc    string
	amount  string
	balance string
}

func assertLines(t *testing.T, want []line, got []statement.Line) {
	t.Helper()
	require.Len(t, got, len(want))
	for i, w := range want {
		assert.Equal(t, w.desc, got[i].Description, "line %d", i)
		amount := got[i].Charge
		if got[i].Kind == statement.LineCredit {
			amount = got[i].Credit.Neg()
		}
		assertMoney(t, w.amount, amount, w.desc)
		assertMoney(t, w.balance, got[i].Balance, w.desc+" balance")
	}
}

// malariaAdmission seeds Scenario E: one "Malaria" treatment on day 1 with
// two units at 100, and a 700 payment.
func malariaAdmission(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.SavePatient(ctx, ledger.Patient{ID: "pat-1", Name: "Ada Obi"}))
	require.NoError(t, s.SaveWallet(ctx, ledger.Wallet{ID: "w-1", PatientID: "pat-1", DepositBalance: money("500")}))
	require.NoError(t, s.SaveProduct(ctx, ledger.Product{ID: "prod-1", Name: "Artemether", UnitPrice: money("100"), QuantityAvailableForSales: 10}))
	require.NoError(t, s.SaveAdmission(ctx, ledger.Admission{ID: "adm-1", PatientID: "pat-1", BedID: "bed-7", AdmissionDate: day1}))
	require.NoError(t, s.SaveTreatment(ctx, ledger.Treatment{
		ID:            "trt-1",
		AdmissionID:   "adm-1",
		PatientID:     "pat-1",
		TreatmentType: "Malaria",
		Status:        ledger.TreatmentInProgress,
		Items:         []ledger.TreatmentItem{{ProductID: "prod-1", Quantity: 2}},
		CreatedAt:     day1,
	}))
	require.NoError(t, s.SavePayment(ctx, ledger.Payment{
		ID:        "pay-1",
		PatientID: "pat-1",
		Payable:   ledger.AdmissionRef("adm-1"),
		Type:      ledger.TypeAdmission,
		Method:    ledger.MethodCash,
		Status:    ledger.StatusCompleted,
		Amount:    money("700"),
		CreatedAt: day1.Add(time.Hour),
	}))
	return s
}

func builderAt(s ledger.Store, now time.Time) *statement.Builder {
	return statement.NewBuilder(s, pricing.NewCatalogue(), zerolog.Nop(),
		statement.WithClock(func() time.Time { return now }))
}

// =============================================================================
// ADMISSION SUMMARY
// =============================================================================

func TestScenarioE_AdmissionSummary(t *testing.T) {
	// GIVEN: Malaria treatment (2 x 100), 3 days at 500, one 700 payment
	// WHEN: Summary is built
	// THEN: Records 1000 / 1200 / 2700 / 2000, totals agree
	s := malariaAdmission(t)
	b := builderAt(s, day1.Add(72*time.Hour))

	sum, err := b.AdmissionSummary(context.Background(), "adm-1")
	require.NoError(t, err)

	assertLines(t, []line{
		{"Malaria Treatment Charge", "1000", "1000"},
		{"Artemether", "200", "1200"},
		{"Bed Space (3 days)", "1500", "2700"},
		{"Payment (CASH)", "-700", "2000"},
	}, sum.Records)

	assert.EqualValues(t, 3, sum.Totals.DaysSpent)
	assertMoney(t, "1500", sum.Totals.BedCost, "bed_cost")
	assertMoney(t, "1200", sum.Totals.TreatmentCost, "treatment_cost")
	assertMoney(t, "2700", sum.Totals.TotalCharges, "total_charges")
	assertMoney(t, "700", sum.Totals.TotalPayments, "total_payments")
	assertMoney(t, "2000", sum.Totals.BalanceDue, "balance_due")
	assertMoney(t, "500", sum.Totals.DepositBalance, "deposit_balance")
	assertMoney(t, "1500", sum.Totals.OutstandingBalance, "outstanding_balance")
}

func TestAdmissionSummary_LabTestsAndTreatmentPayments(t *testing.T) {
	ctx := context.Background()
	s := malariaAdmission(t)
	require.NoError(t, s.SaveLabRequest(ctx, ledger.LabRequest{ID: "lab-1", TreatmentID: "trt-1", ServiceName: "Malaria Parasite", CreatedAt: day1.Add(2 * time.Hour)}))
	require.NoError(t, s.SavePayment(ctx, ledger.Payment{
		ID: "pay-2", PatientID: "pat-1", Payable: ledger.TreatmentRef("trt-1"), Type: ledger.TypeTreatment,
		Method: ledger.MethodWallet, Status: ledger.StatusCompleted, Amount: money("300"), CreatedAt: day1.Add(3 * time.Hour),
	}))
	// Unsettled payments never show
	require.NoError(t, s.SavePayment(ctx, ledger.Payment{
		ID: "pay-3", PatientID: "pat-1", Payable: ledger.AdmissionRef("adm-1"), Type: ledger.TypeAdmission,
		Status: ledger.StatusPending, Amount: money("9999"), CreatedAt: day1.Add(4 * time.Hour),
	}))

	cat := pricing.NewCatalogue()
	require.NoError(t, cat.SetService("Malaria Parasite", money("1500")))
	b := statement.NewBuilder(s, cat, zerolog.Nop(),
		statement.WithClock(func() time.Time { return day1.Add(50 * time.Hour) }))

	sum, err := b.AdmissionSummary(ctx, "adm-1")
	require.NoError(t, err)

	assertLines(t, []line{
		{"Malaria Treatment Charge", "1000", "1000"},
		{"Artemether", "200", "1200"},
		{"Malaria Parasite Test", "1500", "2700"},
		{"Bed Space (2 days)", "1000", "3700"},
		{"Payment (CASH)", "-700", "3000"},
		{"Payment (WALLET)", "-300", "2700"},
	}, sum.Records)
	assertMoney(t, "2700", sum.Totals.TreatmentCost, "treatment_cost")
	assertMoney(t, "1000", sum.Totals.TotalPayments, "total_payments")
	assertMoney(t, "2700", sum.Totals.BalanceDue, "balance_due")
}

func TestAdmissionSummary_DischargedAdmissionStopsCountingDays(t *testing.T) {
	ctx := context.Background()
	s := malariaAdmission(t)
	discharged := day1.Add(48 * time.Hour)
	require.NoError(t, s.SaveAdmission(ctx, ledger.Admission{ID: "adm-1", PatientID: "pat-1", BedID: "bed-7", AdmissionDate: day1, DischargeDate: &discharged}))

	sum, err := builderAt(s, day1.Add(30*24*time.Hour)).AdmissionSummary(ctx, "adm-1")
	require.NoError(t, err)

	assert.EqualValues(t, 2, sum.Totals.DaysSpent)
	assert.True(t, sum.AsOf.Equal(discharged))
}

func TestAdmissionSummary_BalanceNeverNegative(t *testing.T) {
	ctx := context.Background()
	s := malariaAdmission(t)
	require.NoError(t, s.SavePayment(ctx, ledger.Payment{
		ID: "pay-2", PatientID: "pat-1", Payable: ledger.AdmissionRef("adm-1"), Type: ledger.TypeAdmission,
		Method: ledger.MethodCash, Status: ledger.StatusCompleted, Amount: money("5000"), CreatedAt: day1.Add(2 * time.Hour),
	}))

	sum, err := builderAt(s, day1.Add(72*time.Hour)).AdmissionSummary(ctx, "adm-1")
	require.NoError(t, err)

	assertMoney(t, "-3000", sum.Records[len(sum.Records)-1].Balance, "running balance")
	assertMoney(t, "0", sum.Totals.BalanceDue, "balance_due")
	assertMoney(t, "0", sum.Totals.OutstandingBalance, "outstanding_balance")
}

func TestAdmissionSummary_MissingWalletCountsAsNoDeposit(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.SaveAdmission(ctx, ledger.Admission{ID: "adm-2", PatientID: "pat-2", AdmissionDate: day1}))

	sum, err := builderAt(s, day1.Add(time.Hour)).AdmissionSummary(ctx, "adm-2")
	require.NoError(t, err)

	assertMoney(t, "500", sum.Totals.TotalCharges, "total_charges")
	assertMoney(t, "0", sum.Totals.DepositBalance, "deposit_balance")
	assertMoney(t, "500", sum.Totals.OutstandingBalance, "outstanding_balance")
}

func TestAdmissionSummary_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := builderAt(memory.New(), day1).AdmissionSummary(ctx, "adm-x")
	assert.True(t, ledger.IsNotFound(err))

	s := malariaAdmission(t)
	require.NoError(t, s.SaveLabRequest(ctx, ledger.LabRequest{ID: "lab-1", TreatmentID: "trt-1", ServiceName: "Unpriced Scan", CreatedAt: day1}))
	_, err = builderAt(s, day1).AdmissionSummary(ctx, "adm-1")
	assert.True(t, ledger.IsNotFound(err))
}

// =============================================================================
// TREATMENT STATEMENT
// =============================================================================

func TestTreatmentStatement_RefundBringsBalanceBack(t *testing.T) {
	// GIVEN: Consultation 1000 + 2 x 100, paid 1500, 300 refund owed
	// WHEN: Statement is built
	// THEN: Charges 1200, payments 1500, refund 300, balance 0
	ctx := context.Background()
	s := malariaAdmission(t)
	require.NoError(t, s.SaveTreatment(ctx, ledger.Treatment{
		ID: "trt-2", PatientID: "pat-1", TreatmentType: "Follow-up", Status: ledger.TreatmentCompleted,
		Items: []ledger.TreatmentItem{{ProductID: "prod-1", Quantity: 2}}, WithConsultation: true,
		BilledAmount: money("1200"), CreatedAt: day1,
	}))
	require.NoError(t, s.SavePayment(ctx, ledger.Payment{
		ID: "pay-t", PatientID: "pat-1", Payable: ledger.TreatmentRef("trt-2"), Type: ledger.TypeTreatment,
		Method: ledger.MethodCash, Status: ledger.StatusCompleted, Amount: money("1500"), RefundAmount: money("300"),
		CreatedAt: day1.Add(time.Hour), UpdatedAt: day1.Add(2 * time.Hour),
	}))

	st, err := builderAt(s, day1).TreatmentStatement(ctx, "trt-2")
	require.NoError(t, err)

	assertLines(t, []line{
		{"Consultation Fee", "1000", "1000"},
		{"Artemether", "200", "1200"},
		{"Payment (CASH)", "-1500", "-300"},
		{"Refund", "300", "0"},
	}, st.Records)
	assertMoney(t, "1200", st.TotalCharges, "total_charges")
	assertMoney(t, "1500", st.TotalPayments, "total_payments")
	assertMoney(t, "300", st.TotalRefunds, "total_refunds")
	assertMoney(t, "0", st.Balance, "balance")
	assert.Equal(t, ledger.TreatmentCompleted, st.Status)
}
