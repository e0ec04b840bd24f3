package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/hospital-ledger/ledger"
	"github.com/warp/hospital-ledger/ledger/memory"
	"github.com/warp/hospital-ledger/pricing"
	"github.com/warp/hospital-ledger/settlement"
	"github.com/warp/hospital-ledger/store/sqlstore"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// forEachStore runs fn against the memory store and SQLite :memory:.
// Engines use the default clock and uuid ids so goroutines never share state.
func forEachStore(t *testing.T, fn func(t *testing.T, s ledger.TxStore, e *settlement.Engine)) {
	t.Run("memory", func(t *testing.T) {
		s := memory.New()
		fn(t, s, settlement.NewEngine(s, pricing.NewCatalogue(), zerolog.Nop()))
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlstore.Open(sqlstore.DriverSQLite, ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s, settlement.NewEngine(s, pricing.NewCatalogue(), zerolog.Nop()))
	})
}

// confirmAll confirms every payment from its own goroutine and returns the
// errors by index.
func confirmAll(e *settlement.Engine, ids []ledger.PaymentID, method ledger.PaymentMethod) []error {
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id ledger.PaymentID) {
			defer wg.Done()
			<-start
			_, errs[i] = e.MarkAsPaid(context.Background(), settlement.MarkAsPaidInput{
				PaymentID:   id,
				Method:      method,
				ConfirmedBy: cashier,
			})
		}(i, id)
	}
	close(start)
	wg.Wait()
	return errs
}

func recordN(t *testing.T, e *settlement.Engine, n int, in settlement.RecordPaymentInput) []ledger.PaymentID {
	t.Helper()
	ids := make([]ledger.PaymentID, 0, n)
	for i := 0; i < n; i++ {
		p, err := e.RecordPayment(context.Background(), in)
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	return ids
}

// =============================================================================
// CONCURRENT CONFIRMATION
// =============================================================================

func TestConcurrent_WalletPaymentsDebitExactly(t *testing.T) {
	// GIVEN: 1000 on deposit, 20 WALLET payments of 10
	// WHEN: All confirmed at once
	// THEN: Deposit 800, one DEBIT row each, no lost update
	forEachStore(t, func(t *testing.T, s ledger.TxStore, e *settlement.Engine) {
		ctx := context.Background()
		require.NoError(t, s.SavePatient(ctx, ledger.Patient{ID: patientID, Name: "Ada Obi"}))
		require.NoError(t, s.SaveWallet(ctx, ledger.Wallet{ID: "wallet-1", PatientID: patientID, DepositBalance: money("1000")}))

		ids := recordN(t, e, 20, settlement.RecordPaymentInput{
			Payable: ledger.PatientRef(patientID), PatientID: patientID,
			Type: ledger.TypeConsultation, Amount: money("10"), CreatedBy: cashier,
		})

		for i, err := range confirmAll(e, ids, ledger.MethodWallet) {
			assert.NoError(t, err, "payment %d", i)
		}

		w, err := s.GetWalletByPatient(ctx, patientID)
		require.NoError(t, err)
		assertMoney(t, "800", w.DepositBalance, "deposit")
		assertMoney(t, "0", w.OutstandingBalance, "outstanding")

		txs, err := s.ListWalletTransactions(ctx, "wallet-1")
		require.NoError(t, err)
		assert.Len(t, txs, 20)
		for _, id := range ids {
			p, err := s.GetPayment(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, ledger.StatusCompleted, p.Status)
		}
	})
}

func TestConcurrent_ShortfallSplitsExactly(t *testing.T) {
	// GIVEN: 100 on deposit, 20 WALLET payments of 10
	// WHEN: All confirmed at once
	// THEN: Deposit 0 and outstanding 100, whatever the interleaving
	forEachStore(t, func(t *testing.T, s ledger.TxStore, e *settlement.Engine) {
		ctx := context.Background()
		require.NoError(t, s.SavePatient(ctx, ledger.Patient{ID: patientID, Name: "Ada Obi"}))
		require.NoError(t, s.SaveWallet(ctx, ledger.Wallet{ID: "wallet-1", PatientID: patientID, DepositBalance: money("100")}))

		ids := recordN(t, e, 20, settlement.RecordPaymentInput{
			Payable: ledger.PatientRef(patientID), PatientID: patientID,
			Type: ledger.TypeConsultation, Amount: money("10"), CreatedBy: cashier,
		})

		for i, err := range confirmAll(e, ids, ledger.MethodWallet) {
			assert.NoError(t, err, "payment %d", i)
		}

		w, err := s.GetWalletByPatient(ctx, patientID)
		require.NoError(t, err)
		assertMoney(t, "0", w.DepositBalance, "deposit")
		assertMoney(t, "100", w.OutstandingBalance, "outstanding")
	})
}

func TestConcurrent_SamePaymentConfirmedOnce(t *testing.T) {
	// GIVEN: One WALLET payment of 300, 1000 on deposit
	// WHEN: 10 cashiers confirm it at once
	// THEN: One wins, the rest conflict, deposit debited once
	forEachStore(t, func(t *testing.T, s ledger.TxStore, e *settlement.Engine) {
		ctx := context.Background()
		require.NoError(t, s.SavePatient(ctx, ledger.Patient{ID: patientID, Name: "Ada Obi"}))
		require.NoError(t, s.SaveWallet(ctx, ledger.Wallet{ID: "wallet-1", PatientID: patientID, DepositBalance: money("1000")}))

		id := recordN(t, e, 1, settlement.RecordPaymentInput{
			Payable: ledger.PatientRef(patientID), PatientID: patientID,
			Type: ledger.TypeConsultation, Amount: money("300"), CreatedBy: cashier,
		})[0]
		ids := make([]ledger.PaymentID, 10)
		for i := range ids {
			ids[i] = id
		}

		won := 0
		for _, err := range confirmAll(e, ids, ledger.MethodWallet) {
			if err == nil {
				won++
				continue
			}
			assert.ErrorIs(t, err, ledger.ErrPaymentAlreadyCompleted)
			assert.ErrorIs(t, err, ledger.ErrConflict)
		}
		assert.Equal(t, 1, won)

		w, err := s.GetWalletByPatient(ctx, patientID)
		require.NoError(t, err)
		assertMoney(t, "700", w.DepositBalance, "deposit")
		txs, err := s.ListWalletTransactions(ctx, "wallet-1")
		require.NoError(t, err)
		assert.Len(t, txs, 1)
	})
}

func TestConcurrent_PharmacyNeverOversells(t *testing.T) {
	// GIVEN: 5 in stock, 10 PHARMACY payments selling 1 each
	// WHEN: All confirmed at once
	// THEN: Exactly 5 complete, the rest fail on stock, stock ends at 0
	forEachStore(t, func(t *testing.T, s ledger.TxStore, e *settlement.Engine) {
		ctx := context.Background()
		require.NoError(t, s.SavePatient(ctx, ledger.Patient{ID: patientID, Name: "Ada Obi"}))
		require.NoError(t, s.SaveProduct(ctx, ledger.Product{
			ID: "prod-1", Name: "Paracetamol", UnitPrice: money("50"), QuantityAvailableForSales: 5,
		}))

		ids := recordN(t, e, 10, settlement.RecordPaymentInput{
			Payable: ledger.PatientRef(patientID), PatientID: patientID,
			Type: ledger.TypePharmacy, Amount: money("50"), CreatedBy: cashier,
			SaleItems: []settlement.SaleItemInput{{ProductID: "prod-1", Quantity: 1}},
		})

		won := 0
		for i, err := range confirmAll(e, ids, ledger.MethodCash) {
			if err == nil {
				won++
				continue
			}
			assert.ErrorIs(t, err, ledger.ErrConflict, "payment %d", i)
			var stock *ledger.InsufficientStockError
			assert.True(t, errors.As(err, &stock), fmt.Sprintf("payment %d: %v", i, err))
		}
		assert.Equal(t, 5, won)

		p, err := s.GetProduct(ctx, "prod-1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, p.QuantityAvailableForSales, int64(0))
		assert.EqualValues(t, 0, p.QuantityAvailableForSales)
		assert.EqualValues(t, 5, p.QuantitySold)

		completed := 0
		for _, id := range ids {
			got, err := s.GetPayment(ctx, id)
			require.NoError(t, err)
			if got.Status == ledger.StatusCompleted {
				completed++
			}
		}
		assert.Equal(t, 5, completed)
	})
}
