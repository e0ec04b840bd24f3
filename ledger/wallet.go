/*
wallet.go - Deposit/outstanding pool arithmetic

PURPOSE:
  The only code that changes wallet balances. Each method mutates the
  wallet in place and returns the WalletTransaction describing the change;
  the caller assigns ids, links the payment and persists both in the same
  store transaction.

INVARIANT:
  deposit_balance >= 0 AND outstanding_balance >= 0, always.
  Any shortfall is routed into outstanding_balance instead of driving the
  deposit negative.

POOL TRANSITIONS:
  ApplyDeposit:     clears outstanding first, remainder to deposit
  DebitForPayment:  takes what deposit covers, shortfall to outstanding
  ReverseDebit:     undoes a recorded DebitForPayment exactly
  ReverseDeposit:   undoes a recorded ApplyDeposit exactly
  AddOutstanding:   bills an amount without touching deposit
  ReduceOutstanding: removes billed amount, clamped at zero

EXAMPLE:
  w := Wallet{DepositBalance: decimal.NewFromInt(1000)}
  tx, _ := w.DebitForPayment(decimal.NewFromInt(2500), EventPaymentDebit)
  // w.DepositBalance = 0, w.OutstandingBalance = 1500
  // tx.Meta["shortfall"] = "1500.00"
*/
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type poolSnapshot struct {
	deposit     decimal.Decimal
	outstanding decimal.Decimal
}

func (w *Wallet) snapshot() poolSnapshot {
	return poolSnapshot{deposit: w.DepositBalance, outstanding: w.OutstandingBalance}
}

// transaction builds the audit row for a change from s to w's current state.
func (s poolSnapshot) transaction(w *Wallet, typ WalletTxType, amount decimal.Decimal, event WalletEvent) WalletTransaction {
	return WalletTransaction{
		WalletID:      w.ID,
		Type:          typ,
		Amount:        Money(amount),
		BalanceBefore: s.deposit,
		BalanceAfter:  w.DepositBalance,
		Meta: map[string]string{
			MetaEvent:             string(event),
			MetaDepositBefore:     fixed(s.deposit),
			MetaDepositAfter:      fixed(w.DepositBalance),
			MetaOutstandingBefore: fixed(s.outstanding),
			MetaOutstandingAfter:  fixed(w.OutstandingBalance),
		},
	}
}

func fixed(d decimal.Decimal) string { return d.StringFixed(MoneyPlaces) }

// CheckInvariant fails if either pool is negative.
func (w *Wallet) CheckInvariant() error {
	if w.DepositBalance.IsNegative() || w.OutstandingBalance.IsNegative() {
		return Invariant("wallet %s has a negative balance (deposit %s, outstanding %s)",
			w.ID, fixed(w.DepositBalance), fixed(w.OutstandingBalance))
	}
	return nil
}

// ApplyDeposit credits a deposit, settling outstanding debt first.
func (w *Wallet) ApplyDeposit(amount decimal.Decimal) (WalletTransaction, error) {
	amount = Money(amount)
	if !amount.IsPositive() {
		return WalletTransaction{}, Invalid("amount", "deposit must be positive")
	}
	before := w.snapshot()

	toOutstanding := decimal.Min(amount, w.OutstandingBalance)
	toDeposit := amount.Sub(toOutstanding)
	w.OutstandingBalance = w.OutstandingBalance.Sub(toOutstanding)
	w.DepositBalance = w.DepositBalance.Add(toDeposit)

	tx := before.transaction(w, WalletCredit, amount, EventDeposit)
	tx.Meta[MetaAppliedToOutstanding] = fixed(toOutstanding)
	tx.Meta[MetaCreditedToDeposit] = fixed(toDeposit)
	tx.Description = fmt.Sprintf("Deposit of %s (%s settled outstanding, %s credited)",
		fixed(amount), fixed(toOutstanding), fixed(toDeposit))
	return tx, nil
}

// DebitForPayment charges amount against the deposit. When the deposit can't
// cover it the payment still goes through: the deposit drops to zero and the
// shortfall becomes outstanding debt.
func (w *Wallet) DebitForPayment(amount decimal.Decimal, event WalletEvent) (WalletTransaction, error) {
	amount = Money(amount)
	if amount.IsNegative() {
		return WalletTransaction{}, Invalid("amount_payable", "must not be negative")
	}
	before := w.snapshot()

	debited := decimal.Min(amount, w.DepositBalance)
	shortfall := amount.Sub(debited)
	w.DepositBalance = w.DepositBalance.Sub(debited)
	w.OutstandingBalance = w.OutstandingBalance.Add(shortfall)

	tx := before.transaction(w, WalletDebit, amount, event)
	tx.Meta[MetaDebitedFromDeposit] = fixed(debited)
	tx.Meta[MetaShortfall] = fixed(shortfall)
	tx.Description = fmt.Sprintf("Debit of %s from wallet", fixed(amount))
	if shortfall.IsPositive() {
		tx.Description += fmt.Sprintf(" (%s moved to outstanding)", fixed(shortfall))
	}
	return tx, nil
}

// ReverseDebit undoes a DebitForPayment described by original. The part
// taken from the deposit goes back to the deposit. The shortfall is removed
// from outstanding; whatever of it was already cleared since is refunded to
// the deposit, since the patient paid it.
func (w *Wallet) ReverseDebit(original WalletTransaction) (WalletTransaction, error) {
	if original.Type != WalletDebit {
		return WalletTransaction{}, Invariant("wallet transaction %s is not a debit", original.ID)
	}
	debited := original.MetaAmount(MetaDebitedFromDeposit)
	shortfall := original.MetaAmount(MetaShortfall)
	before := w.snapshot()

	cleared := decimal.Min(shortfall, w.OutstandingBalance)
	w.OutstandingBalance = w.OutstandingBalance.Sub(cleared)
	w.DepositBalance = w.DepositBalance.Add(debited).Add(shortfall.Sub(cleared))

	tx := before.transaction(w, WalletCredit, debited.Add(shortfall), EventPaymentReversal)
	tx.Meta[MetaCreditedToDeposit] = fixed(w.DepositBalance.Sub(before.deposit))
	tx.Meta[MetaOutstandingCleared] = fixed(cleared)
	tx.Description = fmt.Sprintf("Reversal of wallet debit %s", original.ID)
	return tx, nil
}

// ReverseDeposit undoes an ApplyDeposit described by original. Fails when the
// credited part has already been spent.
func (w *Wallet) ReverseDeposit(original WalletTransaction) (WalletTransaction, error) {
	if original.Event() != EventDeposit {
		return WalletTransaction{}, Invariant("wallet transaction %s is not a deposit", original.ID)
	}
	credited := original.MetaAmount(MetaCreditedToDeposit)
	applied := original.MetaAmount(MetaAppliedToOutstanding)
	if w.DepositBalance.LessThan(credited) {
		return WalletTransaction{}, Invariant(
			"reversing deposit would leave wallet %s negative: deposit %s, credited %s",
			w.ID, fixed(w.DepositBalance), fixed(credited))
	}
	before := w.snapshot()

	w.DepositBalance = w.DepositBalance.Sub(credited)
	w.OutstandingBalance = w.OutstandingBalance.Add(applied)

	tx := before.transaction(w, WalletDebit, credited.Add(applied), EventDepositReversal)
	tx.Meta[MetaDebitedFromDeposit] = fixed(credited)
	tx.Meta[MetaShortfall] = fixed(applied)
	tx.Description = fmt.Sprintf("Reversal of deposit %s", original.ID)
	return tx, nil
}

// AddOutstanding bills amount to the outstanding pool.
func (w *Wallet) AddOutstanding(amount decimal.Decimal, event WalletEvent) (WalletTransaction, error) {
	amount = Money(amount)
	if amount.IsNegative() {
		return WalletTransaction{}, Invalid("amount", "must not be negative")
	}
	before := w.snapshot()
	w.OutstandingBalance = w.OutstandingBalance.Add(amount)

	tx := before.transaction(w, WalletDebit, amount, event)
	tx.Meta[MetaShortfall] = fixed(amount)
	tx.Description = fmt.Sprintf("Billed %s to outstanding balance", fixed(amount))
	return tx, nil
}

// ReduceOutstanding removes up to amount from the outstanding pool, never
// below zero. The amount actually cleared is recorded in Meta.
func (w *Wallet) ReduceOutstanding(amount decimal.Decimal, event WalletEvent) (WalletTransaction, error) {
	amount = Money(amount)
	if amount.IsNegative() {
		return WalletTransaction{}, Invalid("amount", "must not be negative")
	}
	before := w.snapshot()
	cleared := decimal.Min(amount, w.OutstandingBalance)
	w.OutstandingBalance = w.OutstandingBalance.Sub(cleared)

	tx := before.transaction(w, WalletCredit, amount, event)
	tx.Meta[MetaOutstandingCleared] = fixed(cleared)
	tx.Description = fmt.Sprintf("Removed %s from outstanding balance", fixed(cleared))
	return tx, nil
}
