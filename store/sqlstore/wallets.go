package sqlstore

import (
	"context"
	"fmt"

	"github.com/warp/hospital-ledger/ledger"
)

// =============================================================================
// PATIENTS
// =============================================================================

func (s *Store) GetPatient(ctx context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	var p ledger.Patient
	err := s.queryRow(ctx, `SELECT id, name, hmo_id FROM patients WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.HmoID)
	if err != nil {
		return nil, notFound(err, "patient", id)
	}
	return &p, nil
}

func (s *Store) SavePatient(ctx context.Context, p ledger.Patient) error {
	err := s.exec(ctx, `
		INSERT INTO patients (id, name, hmo_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, hmo_id = excluded.hmo_id
	`, p.ID, p.Name, p.HmoID)
	if err != nil {
		return fmt.Errorf("failed to save patient: %w", err)
	}
	return nil
}

// =============================================================================
// WALLETS
// =============================================================================

const walletColumns = `id, patient_id, deposit_minor, outstanding_minor, created_at, updated_at`

func (s *Store) GetWalletByPatient(ctx context.Context, patientID ledger.PatientID) (*ledger.Wallet, error) {
	return s.getWallet(ctx, patientID, "")
}

func (s *Store) GetWalletByPatientForUpdate(ctx context.Context, patientID ledger.PatientID) (*ledger.Wallet, error) {
	return s.getWallet(ctx, patientID, s.lockSuffix())
}

func (s *Store) getWallet(ctx context.Context, patientID ledger.PatientID, suffix string) (*ledger.Wallet, error) {
	var (
		w                    ledger.Wallet
		deposit, outstanding int64
		createdAt, updatedAt int64
	)
	err := s.queryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE patient_id = ?`+suffix, patientID).
		Scan(&w.ID, &w.PatientID, &deposit, &outstanding, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFound(err, "wallet for patient", patientID)
	}
	w.DepositBalance = fromMinor(deposit)
	w.OutstandingBalance = fromMinor(outstanding)
	w.CreatedAt = fromNanos(createdAt)
	w.UpdatedAt = fromNanos(updatedAt)
	return &w, nil
}

func (s *Store) SaveWallet(ctx context.Context, w ledger.Wallet) error {
	if err := w.CheckInvariant(); err != nil {
		return err
	}
	err := s.exec(ctx, `
		INSERT INTO wallets (`+walletColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			deposit_minor = excluded.deposit_minor,
			outstanding_minor = excluded.outstanding_minor,
			updated_at = excluded.updated_at
	`, w.ID, w.PatientID, toMinor(w.DepositBalance), toMinor(w.OutstandingBalance),
		toNanos(w.CreatedAt), toNanos(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

// =============================================================================
// WALLET TRANSACTIONS (append-only)
// =============================================================================

const walletTxColumns = `id, wallet_id, payment_id, tx_type, amount_minor, balance_before_minor,
	balance_after_minor, description, meta_json, created_by, created_at`

// AppendWalletTransaction inserts an audit row.
func (s *Store) AppendWalletTransaction(ctx context.Context, tx ledger.WalletTransaction) error {
	meta, err := encodeJSON(tx.Meta)
	if err != nil {
		return err
	}
	err = s.exec(ctx, `
		INSERT INTO wallet_transactions (`+walletTxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tx.ID, tx.WalletID, tx.PaymentID, tx.Type, toMinor(tx.Amount),
		toMinor(tx.BalanceBefore), toMinor(tx.BalanceAfter), tx.Description,
		meta, tx.CreatedBy, toNanos(tx.CreatedAt))
	if err != nil {
		if uniqueViolation(err, "wallet_transactions") {
			return &ledger.ConflictError{
				Code:    "duplicate_wallet_transaction",
				Message: "wallet transaction " + string(tx.ID) + " already recorded",
			}
		}
		return fmt.Errorf("failed to append wallet transaction: %w", err)
	}
	return nil
}

func (s *Store) ListWalletTransactions(ctx context.Context, walletID ledger.WalletID) ([]ledger.WalletTransaction, error) {
	return s.queryWalletTransactions(ctx, `
		SELECT `+walletTxColumns+` FROM wallet_transactions
		WHERE wallet_id = ? ORDER BY seq ASC
	`, walletID)
}

func (s *Store) ListWalletTransactionsByPayment(ctx context.Context, paymentID ledger.PaymentID) ([]ledger.WalletTransaction, error) {
	return s.queryWalletTransactions(ctx, `
		SELECT `+walletTxColumns+` FROM wallet_transactions
		WHERE payment_id = ? ORDER BY seq ASC
	`, paymentID)
}

func (s *Store) queryWalletTransactions(ctx context.Context, query string, args ...any) ([]ledger.WalletTransaction, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.WalletTransaction
	for rows.Next() {
		var (
			tx                          ledger.WalletTransaction
			amount, before, after, when int64
			meta                        string
		)
		if err := rows.Scan(&tx.ID, &tx.WalletID, &tx.PaymentID, &tx.Type, &amount, &before,
			&after, &tx.Description, &meta, &tx.CreatedBy, &when); err != nil {
			return nil, fmt.Errorf("failed to scan wallet transaction: %w", err)
		}
		tx.Amount = fromMinor(amount)
		tx.BalanceBefore = fromMinor(before)
		tx.BalanceAfter = fromMinor(after)
		tx.CreatedAt = fromNanos(when)
		if err := decodeJSON(meta, &tx.Meta); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
