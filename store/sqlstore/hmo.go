package sqlstore

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/hospital-ledger/ledger"
)

// =============================================================================
// HMOS
// =============================================================================

func (s *Store) GetHmo(ctx context.Context, id ledger.HmoID) (*ledger.Hmo, error) {
	var h ledger.Hmo
	err := s.queryRow(ctx, `SELECT id, name FROM hmos WHERE id = ?`, id).Scan(&h.ID, &h.Name)
	if err != nil {
		return nil, notFound(err, "hmo", id)
	}
	return &h, nil
}

func (s *Store) SaveHmo(ctx context.Context, h ledger.Hmo) error {
	err := s.exec(ctx, `
		INSERT INTO hmos (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, h.ID, h.Name)
	if err != nil {
		return fmt.Errorf("failed to save hmo: %w", err)
	}
	return nil
}

// =============================================================================
// SETTLEMENT RECORDS
// =============================================================================

const settlementColumns = `id, hmo_id, amount_paid_minor, total_due_minor, outstanding_minor,
	payment_date, history_json, created_by, created_at, updated_at`

func (s *Store) GetHmoSettlement(ctx context.Context, id ledger.HmoSettlementID) (*ledger.HmoSettlement, error) {
	return s.getHmoSettlement(ctx, id, "")
}

func (s *Store) GetHmoSettlementForUpdate(ctx context.Context, id ledger.HmoSettlementID) (*ledger.HmoSettlement, error) {
	return s.getHmoSettlement(ctx, id, s.lockSuffix())
}

func (s *Store) getHmoSettlement(ctx context.Context, id ledger.HmoSettlementID, suffix string) (*ledger.HmoSettlement, error) {
	row := s.queryRow(ctx, `SELECT `+settlementColumns+` FROM hmo_settlements WHERE id = ?`+suffix, id)
	st, err := scanSettlement(row)
	if err != nil {
		return nil, notFound(err, "hmo settlement", id)
	}
	return st, nil
}

func (s *Store) SaveHmoSettlement(ctx context.Context, st ledger.HmoSettlement) error {
	history, err := encodeJSON(st.History)
	if err != nil {
		return err
	}
	err = s.exec(ctx, `
		INSERT INTO hmo_settlements (`+settlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			amount_paid_minor = excluded.amount_paid_minor,
			total_due_minor = excluded.total_due_minor,
			outstanding_minor = excluded.outstanding_minor,
			payment_date = excluded.payment_date,
			history_json = excluded.history_json,
			updated_at = excluded.updated_at
	`, st.ID, st.HmoID, toMinor(st.AmountPaid), toMinor(st.TotalDue), toMinor(st.OutstandingBalance),
		toNanos(st.PaymentDate), history, st.CreatedBy, toNanos(st.CreatedAt), toNanos(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save hmo settlement: %w", err)
	}
	return nil
}

func (s *Store) ListHmoSettlements(ctx context.Context, hmoID ledger.HmoID) ([]ledger.HmoSettlement, error) {
	rows, err := s.query(ctx, `
		SELECT `+settlementColumns+` FROM hmo_settlements
		WHERE hmo_id = ? ORDER BY payment_date ASC, id ASC
	`, hmoID)
	if err != nil {
		return nil, fmt.Errorf("failed to query hmo settlements: %w", err)
	}
	defer rows.Close()

	var out []ledger.HmoSettlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan hmo settlement: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func scanSettlement(row scanner) (*ledger.HmoSettlement, error) {
	var (
		st                     ledger.HmoSettlement
		paid, due, outstanding int64
		paymentDate            int64
		history                string
		createdAt, updatedAt   int64
	)
	err := row.Scan(&st.ID, &st.HmoID, &paid, &due, &outstanding,
		&paymentDate, &history, &st.CreatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	st.AmountPaid = fromMinor(paid)
	st.TotalDue = fromMinor(due)
	st.OutstandingBalance = fromMinor(outstanding)
	st.PaymentDate = fromNanos(paymentDate)
	st.CreatedAt = fromNanos(createdAt)
	st.UpdatedAt = fromNanos(updatedAt)
	if err := decodeJSON(history, &st.History); err != nil {
		return nil, err
	}
	return &st, nil
}

// =============================================================================
// AGGREGATES
// =============================================================================

// SumCompletedPaymentsByHmo runs one grouped query over COMPLETED payments.
func (s *Store) SumCompletedPaymentsByHmo(ctx context.Context, ids []ledger.HmoID) (map[ledger.HmoID]decimal.Decimal, error) {
	if len(ids) == 0 {
		return map[ledger.HmoID]decimal.Decimal{}, nil
	}
	args := append([]any{ledger.StatusCompleted}, hmoArgs(ids)...)
	return s.sumByHmo(ctx, `
		SELECT hmo_id, CAST(SUM(amount_minor) AS BIGINT) FROM payments
		WHERE status = ? AND hmo_id IN (`+placeholders(len(ids))+`)
		GROUP BY hmo_id
	`, args...)
}

// SumHmoSettlementsByHmo runs one grouped query over settlement records.
func (s *Store) SumHmoSettlementsByHmo(ctx context.Context, ids []ledger.HmoID) (map[ledger.HmoID]decimal.Decimal, error) {
	if len(ids) == 0 {
		return map[ledger.HmoID]decimal.Decimal{}, nil
	}
	return s.sumByHmo(ctx, `
		SELECT hmo_id, CAST(SUM(amount_paid_minor) AS BIGINT) FROM hmo_settlements
		WHERE hmo_id IN (`+placeholders(len(ids))+`)
		GROUP BY hmo_id
	`, hmoArgs(ids)...)
}

func (s *Store) sumByHmo(ctx context.Context, query string, args ...any) (map[ledger.HmoID]decimal.Decimal, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by hmo: %w", err)
	}
	defer rows.Close()

	sums := make(map[ledger.HmoID]decimal.Decimal)
	for rows.Next() {
		var (
			id    ledger.HmoID
			minor int64
		)
		if err := rows.Scan(&id, &minor); err != nil {
			return nil, fmt.Errorf("failed to scan hmo aggregate: %w", err)
		}
		sums[id] = fromMinor(minor)
	}
	return sums, rows.Err()
}

func hmoArgs(ids []ledger.HmoID) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
