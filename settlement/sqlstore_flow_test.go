package settlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/hospital-ledger/ledger"
	"github.com/warp/hospital-ledger/pricing"
	"github.com/warp/hospital-ledger/settlement"
	"github.com/warp/hospital-ledger/statement"
	"github.com/warp/hospital-ledger/store/sqlstore"
	"github.com/warp/hospital-ledger/treatment"
)

func TestSQLStore_AdmissionLifecycle(t *testing.T) {
	// GIVEN: A patient admitted on day 1 with an empty wallet, 2 Paracetamol
	//        in stock and a Malaria treatment using both
	// WHEN: Deposit, wallet payment, reversal, failed sale, transfers,
	//       treatment completion, summary and discharge run on one SQLite store
	// THEN: Every step leaves the numbers the memory store would
	ctx := context.Background()
	s, err := sqlstore.Open(sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	now := day1
	clock := func() time.Time { return now }
	prices := pricing.NewCatalogue()
	engine := settlement.NewEngine(s, prices, zerolog.Nop(), settlement.WithClock(clock))
	treatments := treatment.NewReconciler(s, prices, zerolog.Nop(), treatment.WithClock(clock))
	statements := statement.NewBuilder(s, prices, zerolog.Nop(), statement.WithClock(clock))

	require.NoError(t, s.SavePatient(ctx, ledger.Patient{ID: patientID, Name: "Ada Obi"}))
	require.NoError(t, s.SaveWallet(ctx, ledger.Wallet{ID: "wallet-1", PatientID: patientID, CreatedAt: day1}))
	require.NoError(t, s.SaveProduct(ctx, ledger.Product{
		ID: "prod-1", Name: "Paracetamol", UnitPrice: money("100"), QuantityAvailableForSales: 2,
	}))
	require.NoError(t, s.SaveAdmission(ctx, ledger.Admission{ID: "adm-1", PatientID: patientID, BedID: "bed-3", AdmissionDate: day1}))
	require.NoError(t, s.SaveTreatment(ctx, ledger.Treatment{
		ID:               "trt-1",
		AdmissionID:      "adm-1",
		PatientID:        patientID,
		TreatmentType:    "Malaria",
		Status:           ledger.TreatmentInProgress,
		Items:            []ledger.TreatmentItem{{ProductID: "prod-1", Quantity: 2}},
		WithConsultation: true,
		CreatedAt:        day1,
	}))

	record := func(typ ledger.PaymentType, amount string, items ...settlement.SaleItemInput) *ledger.Payment {
		t.Helper()
		now = now.Add(time.Minute)
		p, err := engine.RecordPayment(ctx, settlement.RecordPaymentInput{
			Payable: ledger.PatientRef(patientID), PatientID: patientID,
			Type: typ, Amount: money(amount), SaleItems: items, CreatedBy: cashier,
		})
		require.NoError(t, err)
		return p
	}
	pay := func(in settlement.MarkAsPaidInput) (*ledger.Payment, error) {
		now = now.Add(time.Minute)
		in.ConfirmedBy = cashier
		return engine.MarkAsPaid(ctx, in)
	}
	deposit := func() *ledger.Wallet {
		t.Helper()
		w, err := s.GetWalletByPatient(ctx, patientID)
		require.NoError(t, err)
		return w
	}

	// Deposit 5000, then a 3000 WALLET payment
	dep := record(ledger.TypeDeposit, "5000")
	_, err = pay(settlement.MarkAsPaidInput{PaymentID: dep.ID, Method: ledger.MethodCash})
	require.NoError(t, err)
	charge := record(ledger.TypeConsultation, "3000")
	_, err = pay(settlement.MarkAsPaidInput{PaymentID: charge.ID, Method: ledger.MethodWallet})
	require.NoError(t, err)
	assertMoney(t, "2000", deposit().DepositBalance, "deposit after wallet payment")

	// Reversal restores the deposit exactly
	_, err = engine.MarkAsUnpaid(ctx, settlement.MarkAsUnpaidInput{PaymentID: charge.ID, Actor: cashier})
	require.NoError(t, err)
	assertMoney(t, "5000", deposit().DepositBalance, "deposit after reversal")

	// Selling 3 of 2 fails and names the product
	sale := record(ledger.TypePharmacy, "300", settlement.SaleItemInput{ProductID: "prod-1", Quantity: 3})
	_, err = pay(settlement.MarkAsPaidInput{PaymentID: sale.ID, Method: ledger.MethodCash})
	require.ErrorIs(t, err, ledger.ErrConflict)
	var stock *ledger.InsufficientStockError
	require.ErrorAs(t, err, &stock)
	assert.Equal(t, "Paracetamol", stock.Product)
	product, err := s.GetProduct(ctx, "prod-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, product.QuantityAvailableForSales)
	assert.EqualValues(t, 0, product.QuantitySold)

	// A transfer reference is used once
	first := record(ledger.TypeLabTest, "300")
	second := record(ledger.TypeLabTest, "400")
	_, err = pay(settlement.MarkAsPaidInput{PaymentID: first.ID, Method: ledger.MethodTransfer, TransferReference: "TRF-001"})
	require.NoError(t, err)
	_, err = pay(settlement.MarkAsPaidInput{PaymentID: second.ID, Method: ledger.MethodTransfer, TransferReference: "TRF-001"})
	require.ErrorIs(t, err, ledger.ErrDuplicateTransferRef)
	got, err := s.GetPayment(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCreated, got.Status)

	// Completing the treatment bills 2 x 100 + consultation 1000
	res, err := treatments.Complete(ctx, treatment.Input{TreatmentID: "trt-1", Actor: "dr-1"})
	require.NoError(t, err)
	assertMoney(t, "1200", res.Cost, "treatment cost")
	assert.Equal(t, treatment.OutcomeCreated, res.Outcome)
	assertMoney(t, "1200", deposit().OutstandingBalance, "outstanding after treatment")

	// Three days in
	now = day1.Add(72 * time.Hour)
	sum, err := statements.AdmissionSummary(ctx, "adm-1")
	require.NoError(t, err)
	require.Len(t, sum.Records, 3)
	wantLines := []struct{ desc, charge, balance string }{
		{"Malaria Treatment Charge", "1000", "1000"},
		{"Paracetamol", "200", "1200"},
		{"Bed Space (3 days)", "1500", "2700"},
	}
	for i, want := range wantLines {
		assert.Equal(t, want.desc, sum.Records[i].Description)
		assertMoney(t, want.charge, sum.Records[i].Charge, want.desc+" charge")
		assertMoney(t, want.balance, sum.Records[i].Balance, want.desc+" balance")
	}
	assertMoney(t, "2700", sum.Totals.BalanceDue, "balance due")

	// Discharge takes the whole bill from the deposit
	out, err := engine.Discharge(ctx, settlement.DischargeInput{AdmissionID: "adm-1", DischargedBy: "dr-1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, out.Payment.Status)
	assertMoney(t, "2700", out.Payment.Amount, "discharge amount")
	assertMoney(t, "2700", out.Cost.Total, "discharge total")

	w := deposit()
	assertMoney(t, "2300", w.DepositBalance, "deposit after discharge")
	assertMoney(t, "1200", w.OutstandingBalance, "outstanding after discharge")
	assert.NoError(t, w.CheckInvariant())

	a, err := s.GetAdmission(ctx, "adm-1")
	require.NoError(t, err)
	require.NotNil(t, a.DischargeDate)

	sum, err = statements.AdmissionSummary(ctx, "adm-1")
	require.NoError(t, err)
	require.Len(t, sum.Records, 4)
	assert.Equal(t, "Payment (WALLET)", sum.Records[3].Description)
	assertMoney(t, "0", sum.Totals.BalanceDue, "balance due after discharge")
}
