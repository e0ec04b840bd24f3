package sqlstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/hospital-ledger/ledger"
	"github.com/warp/hospital-ledger/store/sqlstore"
)

// forEachStore runs fn against SQLite :memory: and, when TEST_DATABASE_URL
// is set, against PostgreSQL. Each run gets a fresh id prefix so Postgres
// rows from earlier runs never collide.
func forEachStore(t *testing.T, fn func(t *testing.T, s *sqlstore.Store, id func(string) string)) {
	t.Run("sqlite", func(t *testing.T) {
		s, err := sqlstore.Open(sqlstore.DriverSQLite, ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s, func(v string) string { return v })
	})

	t.Run("postgres", func(t *testing.T) {
		dsn := os.Getenv("TEST_DATABASE_URL")
		if dsn == "" {
			t.Skip("TEST_DATABASE_URL not set")
		}
		s, err := sqlstore.Open(sqlstore.DriverPostgres, dsn)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		run := uuid.NewString()[:8]
		fn(t, s, func(v string) string { return run + "-" + v })
	})
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestWallet_PersistsExactMoney(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *sqlstore.Store, id func(string) string) {
		ctx := context.Background()
		patient := ledger.PatientID(id("p-1"))
		w := ledger.Wallet{
			ID:                 ledger.WalletID(id("w-1")),
			PatientID:          patient,
			DepositBalance:     money("1234.56"),
			OutstandingBalance: money("0.10"),
			CreatedAt:          time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC),
		}
		require.NoError(t, s.SaveWallet(ctx, w))

		got, err := s.GetWalletByPatient(ctx, patient)
		require.NoError(t, err)
		assert.True(t, got.DepositBalance.Equal(money("1234.56")))
		assert.True(t, got.OutstandingBalance.Equal(money("0.10")))
		assert.True(t, got.CreatedAt.Equal(w.CreatedAt))
	})
}

func TestWallet_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *sqlstore.Store, id func(string) string) {
		_, err := s.GetWalletByPatient(context.Background(), ledger.PatientID(id("nobody")))
		assert.True(t, ledger.IsNotFound(err))
	})
}

func TestWithTx_RollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *sqlstore.Store, id func(string) string) {
		ctx := context.Background()
		patient := ledger.PatientID(id("p-1"))
		walletID := ledger.WalletID(id("w-1"))
		require.NoError(t, s.SaveWallet(ctx, ledger.Wallet{ID: walletID, PatientID: patient, DepositBalance: money("100")}))

		boom := errors.New("boom")
		err := s.WithTx(ctx, func(tx ledger.Store) error {
			w, err := tx.GetWalletByPatientForUpdate(ctx, patient)
			require.NoError(t, err)
			w.DepositBalance = decimal.Zero
			require.NoError(t, tx.SaveWallet(ctx, *w))
			require.NoError(t, tx.AppendWalletTransaction(ctx, ledger.WalletTransaction{
				ID: ledger.WalletTransactionID(id("wt-1")), WalletID: walletID, Type: ledger.WalletDebit, Amount: money("100"),
			}))
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.GetWalletByPatient(ctx, patient)
		require.NoError(t, err)
		assert.True(t, got.DepositBalance.Equal(money("100")))
		txs, err := s.ListWalletTransactions(ctx, walletID)
		require.NoError(t, err)
		assert.Empty(t, txs)
	})
}

func TestWalletTransactions_AppendOnlyInOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *sqlstore.Store, id func(string) string) {
		ctx := context.Background()
		walletID := ledger.WalletID(id("w-1"))
		paymentID := ledger.PaymentID(id("pay-1"))
		at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

		for i, txID := range []string{"wt-b", "wt-a", "wt-c"} {
			require.NoError(t, s.AppendWalletTransaction(ctx, ledger.WalletTransaction{
				ID:        ledger.WalletTransactionID(id(txID)),
				WalletID:  walletID,
				PaymentID: paymentID,
				Type:      ledger.WalletCredit,
				Amount:    decimal.NewFromInt(int64(i + 1)),
				Meta:      map[string]string{ledger.MetaEvent: string(ledger.EventDeposit)},
				CreatedAt: at, // same instant: insertion order decides
			}))
		}

		err := s.AppendWalletTransaction(ctx, ledger.WalletTransaction{ID: ledger.WalletTransactionID(id("wt-a")), WalletID: walletID})
		assert.ErrorIs(t, err, ledger.ErrConflict)

		txs, err := s.ListWalletTransactionsByPayment(ctx, paymentID)
		require.NoError(t, err)
		require.Len(t, txs, 3)
		assert.Equal(t, ledger.WalletTransactionID(id("wt-b")), txs[0].ID)
		assert.Equal(t, ledger.WalletTransactionID(id("wt-c")), txs[2].ID)
		assert.Equal(t, ledger.EventDeposit, txs[0].Event())
	})
}

func TestPayment_RoundTripsHistoryAndReference(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *sqlstore.Store, id func(string) string) {
		ctx := context.Background()
		at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		p := ledger.Payment{
			ID:                ledger.PaymentID(id("pay-1")),
			Payable:           ledger.AdmissionRef(ledger.AdmissionID(id("adm-1"))),
			Type:              ledger.TypeAdmission,
			Method:            ledger.MethodTransfer,
			Status:            ledger.StatusCompleted,
			Amount:            money("700"),
			AmountPayable:     money("700"),
			TransferReference: id("TRF-1"),
			CreatedAt:         at,
		}
		p.Record(at, ledger.HistoryCompleted, "staff-1", "")
		p.Record(at, ledger.HistoryConfirmed, "staff-1", "")
		require.NoError(t, s.SavePayment(ctx, p))

		got, err := s.GetPayment(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.Payable, got.Payable)
		assert.Equal(t, p.TransferReference, got.TransferReference)
		require.Len(t, got.History, 2)
		assert.Equal(t, ledger.HistoryConfirmed, got.History[1].Event)

		dup := ledger.Payment{ID: ledger.PaymentID(id("pay-2")), Status: ledger.StatusPending, TransferReference: id("TRF-1")}
		assert.ErrorIs(t, s.SavePayment(ctx, dup), ledger.ErrDuplicateTransferRef)

		found, err := s.FindPaymentByTransferReference(ctx, id("TRF-1"))
		require.NoError(t, err)
		assert.Equal(t, p.ID, found.ID)

		listed, err := s.ListPaymentsByPayable(ctx, p.Payable)
		require.NoError(t, err)
		require.Len(t, listed, 1)
	})
}

func TestAdmission_DischargeDateNullable(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *sqlstore.Store, id func(string) string) {
		ctx := context.Background()
		a := ledger.Admission{
			ID:            ledger.AdmissionID(id("adm-1")),
			PatientID:     ledger.PatientID(id("p-1")),
			AdmissionDate: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
		}
		require.NoError(t, s.SaveAdmission(ctx, a))
		got, err := s.GetAdmission(ctx, a.ID)
		require.NoError(t, err)
		assert.False(t, got.Discharged())

		out := a.AdmissionDate.Add(72 * time.Hour)
		a.DischargeDate = &out
		require.NoError(t, s.SaveAdmission(ctx, a))
		got, err = s.GetAdmission(ctx, a.ID)
		require.NoError(t, err)
		require.True(t, got.Discharged())
		assert.True(t, got.DischargeDate.Equal(out))
	})
}

func TestHmoAggregates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *sqlstore.Store, id func(string) string) {
		ctx := context.Background()
		h1, h2 := ledger.HmoID(id("h1")), ledger.HmoID(id("h2"))
		for i, p := range []ledger.Payment{
			{HmoID: h1, Status: ledger.StatusCompleted, Amount: money("300.25")},
			{HmoID: h1, Status: ledger.StatusCompleted, Amount: money("199.75")},
			{HmoID: h1, Status: ledger.StatusPending, Amount: money("1000")},
		} {
			p.ID = ledger.PaymentID(id("hp-" + string(rune('a'+i))))
			require.NoError(t, s.SavePayment(ctx, p))
		}
		require.NoError(t, s.SaveHmoSettlement(ctx, ledger.HmoSettlement{
			ID: ledger.HmoSettlementID(id("s1")), HmoID: h1, AmountPaid: money("120.50"),
		}))

		due, err := s.SumCompletedPaymentsByHmo(ctx, []ledger.HmoID{h1, h2})
		require.NoError(t, err)
		paid, err := s.SumHmoSettlementsByHmo(ctx, []ledger.HmoID{h1, h2})
		require.NoError(t, err)

		assert.True(t, due[h1].Equal(money("500")), "due: %s", due[h1])
		assert.True(t, paid[h1].Equal(money("120.50")))
		_, ok := due[h2]
		assert.False(t, ok)
	})
}

func TestProduct_RejectsNegativeStock(t *testing.T) {
	forEachStore(t, func(t *testing.T, s *sqlstore.Store, id func(string) string) {
		err := s.SaveProduct(context.Background(), ledger.Product{ID: ledger.ProductID(id("prod-1")), QuantityAvailableForSales: -1})
		assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
	})
}
