package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/hospital-ledger/ledger"
)

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, patient_id, payable_kind, payable_id, payment_type, payment_method, status,
	amount_minor, amount_payable_minor, refund_minor, hmo_id, parent_id, transfer_reference,
	bank_transfer_to, remark, confirmed_by, created_by, last_updated_by, history_json,
	created_at, updated_at`

func (s *Store) GetPayment(ctx context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	return s.getPayment(ctx, id, "")
}

func (s *Store) GetPaymentForUpdate(ctx context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	return s.getPayment(ctx, id, s.lockSuffix())
}

func (s *Store) getPayment(ctx context.Context, id ledger.PaymentID, suffix string) (*ledger.Payment, error) {
	row := s.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`+suffix, id)
	p, err := scanPayment(row)
	if err != nil {
		return nil, notFound(err, "payment", id)
	}
	return p, nil
}

// SavePayment upserts a payment. A transfer reference already used by another
// payment fails with ledger.ErrDuplicateTransferRef.
func (s *Store) SavePayment(ctx context.Context, p ledger.Payment) error {
	history, err := encodeJSON(p.History)
	if err != nil {
		return err
	}
	err = s.exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			patient_id = excluded.patient_id,
			payable_kind = excluded.payable_kind,
			payable_id = excluded.payable_id,
			payment_type = excluded.payment_type,
			payment_method = excluded.payment_method,
			status = excluded.status,
			amount_minor = excluded.amount_minor,
			amount_payable_minor = excluded.amount_payable_minor,
			refund_minor = excluded.refund_minor,
			hmo_id = excluded.hmo_id,
			parent_id = excluded.parent_id,
			transfer_reference = excluded.transfer_reference,
			bank_transfer_to = excluded.bank_transfer_to,
			remark = excluded.remark,
			confirmed_by = excluded.confirmed_by,
			last_updated_by = excluded.last_updated_by,
			history_json = excluded.history_json,
			updated_at = excluded.updated_at
	`, p.ID, p.PatientID, p.Payable.Kind, p.Payable.ID, p.Type, p.Method, p.Status,
		toMinor(p.Amount), toMinor(p.AmountPayable), toMinor(p.RefundAmount), p.HmoID, p.ParentID,
		nullString(p.TransferReference), p.BankTransferTo, p.Remark, p.ConfirmedBy, p.CreatedBy,
		p.LastUpdatedBy, history, toNanos(p.CreatedAt), toNanos(p.UpdatedAt))
	if err != nil {
		if uniqueViolation(err, "transfer_reference") {
			return ledger.ErrDuplicateTransferRef
		}
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

func (s *Store) ListPaymentsByPayable(ctx context.Context, ref ledger.BillableRef) ([]ledger.Payment, error) {
	rows, err := s.query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE payable_kind = ? AND payable_id = ?
		ORDER BY created_at ASC, id ASC
	`, ref.Kind, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []ledger.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (s *Store) FindPaymentByTransferReference(ctx context.Context, ref string) (*ledger.Payment, error) {
	row := s.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE transfer_reference = ?`, ref)
	p, err := scanPayment(row)
	if err != nil {
		return nil, notFound(err, "payment with transfer reference", ref)
	}
	return p, nil
}

func scanPayment(row scanner) (*ledger.Payment, error) {
	var (
		p                       ledger.Payment
		amount, payable, refund int64
		transferRef             sql.NullString
		history                 string
		createdAt, updatedAt    int64
	)
	err := row.Scan(&p.ID, &p.PatientID, &p.Payable.Kind, &p.Payable.ID, &p.Type, &p.Method, &p.Status,
		&amount, &payable, &refund, &p.HmoID, &p.ParentID, &transferRef,
		&p.BankTransferTo, &p.Remark, &p.ConfirmedBy, &p.CreatedBy, &p.LastUpdatedBy, &history,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Amount = fromMinor(amount)
	p.AmountPayable = fromMinor(payable)
	p.RefundAmount = fromMinor(refund)
	p.TransferReference = transferRef.String
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	if err := decodeJSON(history, &p.History); err != nil {
		return nil, err
	}
	return &p, nil
}

// =============================================================================
// INVENTORY
// =============================================================================

func (s *Store) GetProduct(ctx context.Context, id ledger.ProductID) (*ledger.Product, error) {
	return s.getProduct(ctx, id, "")
}

func (s *Store) GetProductForUpdate(ctx context.Context, id ledger.ProductID) (*ledger.Product, error) {
	return s.getProduct(ctx, id, s.lockSuffix())
}

func (s *Store) getProduct(ctx context.Context, id ledger.ProductID, suffix string) (*ledger.Product, error) {
	var (
		p     ledger.Product
		price int64
	)
	err := s.queryRow(ctx, `
		SELECT id, name, unit_price_minor, quantity_available_for_sales, quantity_sold
		FROM products WHERE id = ?`+suffix, id).
		Scan(&p.ID, &p.Name, &price, &p.QuantityAvailableForSales, &p.QuantitySold)
	if err != nil {
		return nil, notFound(err, "product", id)
	}
	p.UnitPrice = fromMinor(price)
	return &p, nil
}

func (s *Store) SaveProduct(ctx context.Context, p ledger.Product) error {
	if p.QuantityAvailableForSales < 0 || p.QuantitySold < 0 {
		return ledger.Invariant("product %s stock counters must not be negative", p.ID)
	}
	err := s.exec(ctx, `
		INSERT INTO products (id, name, unit_price_minor, quantity_available_for_sales, quantity_sold)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			unit_price_minor = excluded.unit_price_minor,
			quantity_available_for_sales = excluded.quantity_available_for_sales,
			quantity_sold = excluded.quantity_sold
	`, p.ID, p.Name, toMinor(p.UnitPrice), p.QuantityAvailableForSales, p.QuantitySold)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

func (s *Store) ListSaleItemsByPayment(ctx context.Context, paymentID ledger.PaymentID) ([]ledger.SaleItem, error) {
	rows, err := s.query(ctx, `
		SELECT id, payment_id, product_id, quantity_sold FROM sale_items
		WHERE payment_id = ? ORDER BY id ASC
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sale items: %w", err)
	}
	defer rows.Close()

	var items []ledger.SaleItem
	for rows.Next() {
		var item ledger.SaleItem
		if err := rows.Scan(&item.ID, &item.PaymentID, &item.ProductID, &item.QuantitySold); err != nil {
			return nil, fmt.Errorf("failed to scan sale item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) SaveSaleItem(ctx context.Context, item ledger.SaleItem) error {
	err := s.exec(ctx, `
		INSERT INTO sale_items (id, payment_id, product_id, quantity_sold) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payment_id = excluded.payment_id,
			product_id = excluded.product_id,
			quantity_sold = excluded.quantity_sold
	`, item.ID, item.PaymentID, item.ProductID, item.QuantitySold)
	if err != nil {
		return fmt.Errorf("failed to save sale item: %w", err)
	}
	return nil
}
