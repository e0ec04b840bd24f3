package settlement

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/warp/hospital-ledger/ledger"
)

// =============================================================================
// MARK AS PAID
// =============================================================================

// MarkAsPaid confirms a payment and applies its side effects:
//
//  1. PHARMACY: decrement stock for each sale item (row-locked)
//  2. DEPOSIT:  credit the wallet, settling outstanding first
//  3. WALLET:   debit the wallet; any shortfall becomes outstanding
//  4. HMO:      the patient must be enrolled with the given HMO
//  5. TRANSFER: the reference must not be used by another payment
//  6. history gets COMPLETED + CONFIRMED, status becomes COMPLETED
//
// Any failure rolls back all of it.
func (e *Engine) MarkAsPaid(ctx context.Context, in MarkAsPaidInput) (*ledger.Payment, error) {
	log := e.logger.With().Str("payment_id", string(in.PaymentID)).Str("method", string(in.Method)).Logger()

	if err := ledger.ValidateStruct(in); err != nil {
		return nil, err
	}

	var paid ledger.Payment
	var walletTx *ledger.WalletTransaction
	err := e.store.WithTx(ctx, func(tx ledger.Store) error {
		p, err := tx.GetPaymentForUpdate(ctx, in.PaymentID)
		if err != nil {
			return err
		}
		if p.Status == ledger.StatusCompleted {
			return ledger.ErrPaymentAlreadyCompleted
		}
		now := e.now()

		if p.Type == ledger.TypePharmacy {
			if err := e.adjustStock(ctx, tx, p.ID, sell); err != nil {
				return err
			}
		}

		switch {
		case p.Type == ledger.TypeDeposit:
			if in.Method == ledger.MethodWallet {
				return ledger.Invalid("payment_method", "a deposit cannot be paid from the wallet")
			}
			walletTx, err = e.applyToWallet(ctx, tx, p, in.ConfirmedBy, now, func(w *ledger.Wallet) (ledger.WalletTransaction, error) {
				return w.ApplyDeposit(p.Amount)
			})
		case in.Method == ledger.MethodWallet:
			walletTx, err = e.debitOnce(ctx, tx, p, in.ConfirmedBy, now)
		}
		if err != nil {
			return err
		}

		switch in.Method {
		case ledger.MethodHmo:
			if err := e.checkHmoEnrollment(ctx, tx, p, in.HmoID); err != nil {
				return err
			}
			p.HmoID = in.HmoID
		case ledger.MethodTransfer:
			existing, err := tx.FindPaymentByTransferReference(ctx, in.TransferReference)
			switch {
			case err == nil && existing.ID != p.ID:
				return ledger.ErrDuplicateTransferRef
			case err != nil && !ledger.IsNotFound(err):
				return err
			}
			p.TransferReference = in.TransferReference
			p.BankTransferTo = in.BankTransferTo
		}

		p.Record(now, ledger.HistoryCompleted, in.ConfirmedBy, "")
		p.Record(now, ledger.HistoryConfirmed, in.ConfirmedBy, in.Remark)
		p.Status = ledger.StatusCompleted
		p.Method = in.Method
		p.ConfirmedBy = in.ConfirmedBy
		p.LastUpdatedBy = in.ConfirmedBy
		p.UpdatedAt = now
		if in.Remark != "" {
			p.Remark = in.Remark
		}
		paid = *p
		return tx.SavePayment(ctx, *p)
	})
	if err != nil {
		return nil, ledger.Boundary(log, "mark_as_paid", err)
	}

	ev := log.Info().
		Str("patient_id", string(paid.PatientID)).
		Str("type", string(paid.Type)).
		Str("amount_payable", paid.AmountPayable.StringFixed(ledger.MoneyPlaces))
	if walletTx != nil {
		ev = ev.Str("wallet_id", string(walletTx.WalletID)).
			Str("deposit_after", walletTx.Meta[ledger.MetaDepositAfter]).
			Str("outstanding_after", walletTx.Meta[ledger.MetaOutstandingAfter])
	}
	ev.Msg("payment confirmed")
	return &paid, nil
}

func (e *Engine) checkHmoEnrollment(ctx context.Context, tx ledger.Store, p *ledger.Payment, hmoID ledger.HmoID) error {
	if _, err := tx.GetHmo(ctx, hmoID); err != nil {
		return err
	}
	if p.PatientID == "" {
		return ledger.Invalid("hmo_id", "patient not linked to this organisation")
	}
	patient, err := tx.GetPatient(ctx, p.PatientID)
	if err != nil {
		return err
	}
	if patient.HmoID != hmoID {
		return ledger.Invalid("hmo_id", "patient not linked to this organisation")
	}
	return nil
}

// debitOnce charges amount_payable to the wallet unless a debit for this
// payment is already on record (a partially covered discharge bill), in
// which case the existing debit stands.
func (e *Engine) debitOnce(ctx context.Context, tx ledger.Store, p *ledger.Payment, actor ledger.StaffID, now time.Time) (*ledger.WalletTransaction, error) {
	history, err := tx.ListWalletTransactionsByPayment(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if last := activeWalletEffect(history); last != nil && isDebit(last.Event()) {
		return nil, nil
	}
	return e.applyToWallet(ctx, tx, p, actor, now, func(w *ledger.Wallet) (ledger.WalletTransaction, error) {
		return w.DebitForPayment(p.AmountPayable, ledger.EventPaymentDebit)
	})
}

// =============================================================================
// MARK AS UNPAID
// =============================================================================

// MarkAsUnpaid reverts a COMPLETED payment to PENDING and undoes the stock
// and wallet effects markAsPaid applied. HMO and TRANSFER confirmations have
// no wallet effect to undo.
func (e *Engine) MarkAsUnpaid(ctx context.Context, in MarkAsUnpaidInput) (*ledger.Payment, error) {
	log := e.logger.With().Str("payment_id", string(in.PaymentID)).Logger()

	if err := ledger.ValidateStruct(in); err != nil {
		return nil, err
	}

	var reverted ledger.Payment
	var walletTx *ledger.WalletTransaction
	err := e.store.WithTx(ctx, func(tx ledger.Store) error {
		p, err := tx.GetPaymentForUpdate(ctx, in.PaymentID)
		if err != nil {
			return err
		}
		if p.Status != ledger.StatusCompleted {
			return ledger.ErrPaymentNotCompleted
		}
		now := e.now()

		if p.Type == ledger.TypePharmacy {
			if err := e.adjustStock(ctx, tx, p.ID, restock); err != nil {
				return err
			}
		}

		if walletTx, err = e.reverseWalletEffect(ctx, tx, p, in.Actor, now); err != nil {
			return err
		}

		p.Record(now, ledger.HistoryPending, in.Actor, "")
		p.Record(now, ledger.HistoryUnconfirmed, in.Actor, "")
		p.Status = ledger.StatusPending
		p.ConfirmedBy = ""
		p.LastUpdatedBy = in.Actor
		p.UpdatedAt = now
		reverted = *p
		return tx.SavePayment(ctx, *p)
	})
	if err != nil {
		return nil, ledger.Boundary(log, "mark_as_unpaid", err)
	}

	ev := log.Info().Str("patient_id", string(reverted.PatientID))
	if walletTx != nil {
		ev = ev.Str("wallet_id", string(walletTx.WalletID)).
			Str("deposit_after", walletTx.Meta[ledger.MetaDepositAfter]).
			Str("outstanding_after", walletTx.Meta[ledger.MetaOutstandingAfter])
	}
	ev.Msg("payment unconfirmed")
	return &reverted, nil
}

// reverseWalletEffect undoes the wallet transaction still in effect for p,
// if any. The reversal mirrors the recorded split exactly.
func (e *Engine) reverseWalletEffect(ctx context.Context, tx ledger.Store, p *ledger.Payment, actor ledger.StaffID, now time.Time) (*ledger.WalletTransaction, error) {
	history, err := tx.ListWalletTransactionsByPayment(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	original := activeWalletEffect(history)

	switch {
	case p.Type == ledger.TypeDeposit:
		if original == nil || original.Event() != ledger.EventDeposit {
			return nil, ledger.Invariant("deposit payment %s has no wallet credit to reverse", p.ID)
		}
		return e.applyToWallet(ctx, tx, p, actor, now, func(w *ledger.Wallet) (ledger.WalletTransaction, error) {
			return w.ReverseDeposit(*original)
		})
	case p.Method == ledger.MethodWallet:
		if original == nil || !isDebit(original.Event()) {
			return nil, ledger.Invariant("wallet payment %s has no wallet debit to reverse", p.ID)
		}
		return e.applyToWallet(ctx, tx, p, actor, now, func(w *ledger.Wallet) (ledger.WalletTransaction, error) {
			return w.ReverseDebit(*original)
		})
	}
	return nil, nil
}

// activeWalletEffect returns the latest wallet transaction for a payment that
// has not been reversed since, or nil.
func activeWalletEffect(history []ledger.WalletTransaction) *ledger.WalletTransaction {
	var active *ledger.WalletTransaction
	for i := range history {
		switch history[i].Event() {
		case ledger.EventDeposit, ledger.EventPaymentDebit, ledger.EventDischargeDebit:
			active = &history[i]
		case ledger.EventDepositReversal, ledger.EventPaymentReversal:
			active = nil
		}
	}
	return active
}

func isDebit(ev ledger.WalletEvent) bool {
	return ev == ledger.EventPaymentDebit || ev == ledger.EventDischargeDebit
}

// =============================================================================
// WALLET STEP
// =============================================================================

// applyToWallet locks the patient's wallet, applies change, and persists the
// wallet with its audit row. A missing wallet is an invariant violation.
func (e *Engine) applyToWallet(
	ctx context.Context,
	tx ledger.Store,
	p *ledger.Payment,
	actor ledger.StaffID,
	now time.Time,
	change func(*ledger.Wallet) (ledger.WalletTransaction, error),
) (*ledger.WalletTransaction, error) {
	if p.PatientID == "" {
		return nil, ledger.Invariant("payment %s has no patient, so no wallet to settle against", p.ID)
	}
	w, err := tx.GetWalletByPatientForUpdate(ctx, p.PatientID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ledger.Invariant("patient %s has no wallet", p.PatientID)
	}
	if err != nil {
		return nil, err
	}

	wtx, err := change(w)
	if err != nil {
		return nil, err
	}
	if err := w.CheckInvariant(); err != nil {
		return nil, err
	}
	w.UpdatedAt = now

	wtx.ID = ledger.WalletTransactionID(e.newID())
	wtx.PaymentID = p.ID
	wtx.CreatedBy = actor
	wtx.CreatedAt = now
	if err := tx.SaveWallet(ctx, *w); err != nil {
		return nil, err
	}
	if err := tx.AppendWalletTransaction(ctx, wtx); err != nil {
		return nil, err
	}
	return &wtx, nil
}

// =============================================================================
// PHARMACY STOCK
// =============================================================================

type stockDirection int

const (
	sell stockDirection = iota
	restock
)

// adjustStock moves the payment's sale items between available and sold.
// Products are locked in ascending id order; quantities for the same
// product are summed first so the sufficiency check sees the whole sale.
func (e *Engine) adjustStock(ctx context.Context, tx ledger.Store, paymentID ledger.PaymentID, dir stockDirection) error {
	items, err := tx.ListSaleItemsByPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	qty := make(map[ledger.ProductID]int64)
	for _, item := range items {
		qty[item.ProductID] += item.QuantitySold
	}
	ids := make([]ledger.ProductID, 0, len(qty))
	for id := range qty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		product, err := tx.GetProductForUpdate(ctx, id)
		if err != nil {
			return err
		}
		n := qty[id]
		switch dir {
		case sell:
			if product.QuantityAvailableForSales < n {
				return &ledger.InsufficientStockError{
					ProductID: product.ID,
					Product:   product.Name,
					Available: product.QuantityAvailableForSales,
					Requested: n,
				}
			}
			product.QuantityAvailableForSales -= n
			product.QuantitySold += n
		case restock:
			if product.QuantitySold < n {
				return ledger.Invariant("product %s has sold %d, cannot restock %d", product.ID, product.QuantitySold, n)
			}
			product.QuantityAvailableForSales += n
			product.QuantitySold -= n
		}
		if err := tx.SaveProduct(ctx, *product); err != nil {
			return err
		}
		e.logger.Debug().Str("product_id", string(id)).Int64("quantity", n).
			Int64("available", product.QuantityAvailableForSales).Msg("stock adjusted")
	}
	return nil
}
