package hmo_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/hospital-ledger/hmo"
	"github.com/warp/hospital-ledger/ledger"
	"github.com/warp/hospital-ledger/ledger/memory"
)

var day1 = time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertMoney(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, money(want).Equal(got), "%s: want %s, got %s", msg, want, got.StringFixed(2))
}

// seed: hmo-a is owed 3500 in completed payments, hmo-b 400, hmo-c nothing.
func seed(t *testing.T) (*memory.Store, *hmo.Reconciler) {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	for _, id := range []ledger.HmoID{"hmo-a", "hmo-b", "hmo-c"} {
		require.NoError(t, s.SaveHmo(ctx, ledger.Hmo{ID: id, Name: string(id)}))
	}
	payments := []struct {
		id     ledger.PaymentID
		hmo    ledger.HmoID
		status ledger.PaymentStatus
		amount string
	}{
		{"pay-1", "hmo-a", ledger.StatusCompleted, "1000"},
		{"pay-2", "hmo-a", ledger.StatusCompleted, "2500"},
		{"pay-3", "hmo-a", ledger.StatusPending, "999"},
		{"pay-4", "hmo-b", ledger.StatusCompleted, "400"},
		{"pay-5", "", ledger.StatusCompleted, "50"},
	}
	for _, p := range payments {
		require.NoError(t, s.SavePayment(ctx, ledger.Payment{
			ID: p.id, HmoID: p.hmo, Status: p.status, Method: ledger.MethodHmo,
			Type: ledger.TypeTreatment, Amount: money(p.amount), AmountPayable: money(p.amount),
		}))
	}
	seq := 0
	r := hmo.NewReconciler(s, zerolog.Nop(),
		hmo.WithClock(func() time.Time { return day1 }),
		hmo.WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("set-%d", seq)
		}),
	)
	return s, r
}

func record(t *testing.T, r *hmo.Reconciler, id ledger.HmoID, amount string) *ledger.HmoSettlement {
	t.Helper()
	rec, err := r.RecordSettlement(context.Background(), hmo.RecordSettlementInput{
		HmoID: id, AmountPaid: money(amount), CreatedBy: "accounts-1",
	})
	require.NoError(t, err)
	return rec
}

// =============================================================================
// BALANCES
// =============================================================================

func TestOutstandingBalance_OnlyCompletedPaymentsAreDue(t *testing.T) {
	_, r := seed(t)

	b, err := r.OutstandingBalance(context.Background(), "hmo-a", nil, decimal.Zero)
	require.NoError(t, err)

	assertMoney(t, "3500", b.TotalDue, "total_due")
	assertMoney(t, "3500", b.OutstandingBalance, "outstanding")
}

func TestOutstandingBalance_EditBacksOutPreviousAmount(t *testing.T) {
	// GIVEN: 3500 due, one 1200 settlement on record
	// WHEN: Asking what outstanding becomes if that record changes to 1000
	// THEN: 3500 - 1200 + (1200 - 1000) = 2500
	_, r := seed(t)
	record(t, r, "hmo-a", "1200")
	prev := money("1200")

	b, err := r.OutstandingBalance(context.Background(), "hmo-a", &prev, money("1000"))
	require.NoError(t, err)

	assertMoney(t, "2500", b.OutstandingBalance, "outstanding")
	assertMoney(t, "3500", b.TotalDue, "total_due")
}

func TestOutstandingBalance_UnknownHmo(t *testing.T) {
	_, r := seed(t)

	_, err := r.OutstandingBalance(context.Background(), "hmo-x", nil, decimal.Zero)

	assert.True(t, ledger.IsNotFound(err))
}

func TestBalances_MatchScalar(t *testing.T) {
	ctx := context.Background()
	_, r := seed(t)
	record(t, r, "hmo-a", "1200")
	record(t, r, "hmo-b", "100")

	batch, err := r.Balances(ctx, []ledger.HmoID{"hmo-a", "hmo-b", "hmo-c", "hmo-a"})
	require.NoError(t, err)
	require.Len(t, batch, 3)

	for _, got := range batch {
		want, err := r.OutstandingBalance(ctx, got.HmoID, nil, decimal.Zero)
		require.NoError(t, err)
		assertMoney(t, want.TotalDue.String(), got.TotalDue, string(got.HmoID)+" total_due")
		assertMoney(t, want.OutstandingBalance.String(), got.OutstandingBalance, string(got.HmoID)+" outstanding")
	}
	assertMoney(t, "1200", batch[0].TotalPaid, "hmo-a total_paid")
	assertMoney(t, "2300", batch[0].OutstandingBalance, "hmo-a outstanding")
	assertMoney(t, "300", batch[1].OutstandingBalance, "hmo-b outstanding")
	assertMoney(t, "0", batch[2].OutstandingBalance, "hmo-c outstanding")
}

func TestBalances_UnknownIdsDefaultToZero(t *testing.T) {
	_, r := seed(t)

	batch, err := r.Balances(context.Background(), []ledger.HmoID{"hmo-x"})
	require.NoError(t, err)

	require.Len(t, batch, 1)
	assertMoney(t, "0", batch[0].TotalDue, "total_due")
	assertMoney(t, "0", batch[0].OutstandingBalance, "outstanding")
}

// =============================================================================
// SETTLEMENT RECORDS
// =============================================================================

func TestRecordSettlement_Snapshots(t *testing.T) {
	s, r := seed(t)

	rec := record(t, r, "hmo-a", "1200")

	assertMoney(t, "3500", rec.TotalDue, "total_due snapshot")
	assertMoney(t, "2300", rec.OutstandingBalance, "outstanding snapshot")
	assert.True(t, rec.PaymentDate.Equal(day1))
	require.Len(t, rec.History, 1)
	assert.Equal(t, ledger.HistoryCreated, rec.History[0].Event)

	stored, err := s.GetHmoSettlement(context.Background(), rec.ID)
	require.NoError(t, err)
	assertMoney(t, "1200", stored.AmountPaid, "amount_paid")
}

func TestRecordSettlement_Rejects(t *testing.T) {
	_, r := seed(t)
	ctx := context.Background()

	_, err := r.RecordSettlement(ctx, hmo.RecordSettlementInput{HmoID: "hmo-a", AmountPaid: decimal.Zero, CreatedBy: "a"})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = r.RecordSettlement(ctx, hmo.RecordSettlementInput{HmoID: "hmo-a", AmountPaid: money("10")})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = r.RecordSettlement(ctx, hmo.RecordSettlementInput{HmoID: "hmo-x", AmountPaid: money("10"), CreatedBy: "a"})
	assert.True(t, ledger.IsNotFound(err))
}

func TestUpdateSettlement_WithinCap(t *testing.T) {
	s, r := seed(t)
	rec := record(t, r, "hmo-a", "1200")

	updated, err := r.UpdateSettlement(context.Background(), hmo.UpdateSettlementInput{
		SettlementID: rec.ID, AmountPaid: money("3500"), UpdatedBy: "accounts-2",
	})
	require.NoError(t, err)

	assertMoney(t, "3500", updated.AmountPaid, "amount_paid")
	assertMoney(t, "0", updated.OutstandingBalance, "outstanding snapshot")
	require.Len(t, updated.History, 2)
	assert.Equal(t, ledger.HistoryUpdated, updated.History[1].Event)
	assert.Equal(t, ledger.StaffID("accounts-2"), updated.History[1].Actor)

	batch, err := r.Balances(context.Background(), []ledger.HmoID{"hmo-a"})
	require.NoError(t, err)
	assertMoney(t, "0", batch[0].OutstandingBalance, "recomputed outstanding")

	stored, err := s.GetHmoSettlement(context.Background(), rec.ID)
	require.NoError(t, err)
	assertMoney(t, "3500", stored.AmountPaid, "stored amount_paid")
}

func TestUpdateSettlement_OverCapIsConflict(t *testing.T) {
	// GIVEN: 3500 due, a 1200 record
	// WHEN: Editing the record to 4000
	// THEN: Rejected, at most 3500 may be recorded; record unchanged
	s, r := seed(t)
	rec := record(t, r, "hmo-a", "1200")

	_, err := r.UpdateSettlement(context.Background(), hmo.UpdateSettlementInput{
		SettlementID: rec.ID, AmountPaid: money("4000"), UpdatedBy: "accounts-2",
	})

	require.ErrorIs(t, err, ledger.ErrConflict)
	var capErr *ledger.OutstandingCapError
	require.ErrorAs(t, err, &capErr)
	assertMoney(t, "3500", capErr.Outstanding, "cap")
	assertMoney(t, "4000", capErr.Requested, "requested")

	stored, err := s.GetHmoSettlement(context.Background(), rec.ID)
	require.NoError(t, err)
	assertMoney(t, "1200", stored.AmountPaid, "amount_paid unchanged")
	assert.Len(t, stored.History, 1)
}

func TestUpdateSettlement_UnknownRecord(t *testing.T) {
	_, r := seed(t)

	_, err := r.UpdateSettlement(context.Background(), hmo.UpdateSettlementInput{
		SettlementID: "set-x", AmountPaid: money("1"), UpdatedBy: "a",
	})

	assert.True(t, ledger.IsNotFound(err))
}
