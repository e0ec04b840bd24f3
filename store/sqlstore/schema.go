package sqlstore

import (
	"context"
	"strings"
)

// schema is shared by both dialects. {{SERIAL}} is replaced per dialect.
const schema = `
-- Patients (billing view)
CREATE TABLE IF NOT EXISTS patients (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	hmo_id TEXT NOT NULL DEFAULT ''
);

-- Wallets: one per patient, both pools non-negative
CREATE TABLE IF NOT EXISTS wallets (
	id TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL UNIQUE,
	deposit_minor BIGINT NOT NULL DEFAULT 0 CHECK (deposit_minor >= 0),
	outstanding_minor BIGINT NOT NULL DEFAULT 0 CHECK (outstanding_minor >= 0),
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

-- Wallet transactions (append-only audit trail)
CREATE TABLE IF NOT EXISTS wallet_transactions (
	seq {{SERIAL}},
	id TEXT NOT NULL,
	wallet_id TEXT NOT NULL,
	payment_id TEXT NOT NULL DEFAULT '',
	tx_type TEXT NOT NULL,
	amount_minor BIGINT NOT NULL,
	balance_before_minor BIGINT NOT NULL,
	balance_after_minor BIGINT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	meta_json TEXT NOT NULL DEFAULT '{}',
	created_by TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_wallet_transactions_id
	ON wallet_transactions(id);
CREATE INDEX IF NOT EXISTS idx_wallet_transactions_wallet
	ON wallet_transactions(wallet_id, seq);
CREATE INDEX IF NOT EXISTS idx_wallet_transactions_payment
	ON wallet_transactions(payment_id, seq);

-- Payments
CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL DEFAULT '',
	payable_kind TEXT NOT NULL DEFAULT '',
	payable_id TEXT NOT NULL DEFAULT '',
	payment_type TEXT NOT NULL DEFAULT '',
	payment_method TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	amount_minor BIGINT NOT NULL DEFAULT 0,
	amount_payable_minor BIGINT NOT NULL DEFAULT 0,
	refund_minor BIGINT NOT NULL DEFAULT 0,
	hmo_id TEXT NOT NULL DEFAULT '',
	parent_id TEXT NOT NULL DEFAULT '',
	transfer_reference TEXT,
	bank_transfer_to TEXT NOT NULL DEFAULT '',
	remark TEXT NOT NULL DEFAULT '',
	confirmed_by TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	last_updated_by TEXT NOT NULL DEFAULT '',
	history_json TEXT NOT NULL DEFAULT '[]',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

-- A transfer reference settles exactly one payment
CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_transfer_reference
	ON payments(transfer_reference) WHERE transfer_reference IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_payments_payable
	ON payments(payable_kind, payable_id, created_at);
-- HMO aggregate queries (hot path for listing pages)
CREATE INDEX IF NOT EXISTS idx_payments_hmo_status
	ON payments(hmo_id, status);

-- Products (stock counters)
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	unit_price_minor BIGINT NOT NULL DEFAULT 0,
	quantity_available_for_sales BIGINT NOT NULL DEFAULT 0 CHECK (quantity_available_for_sales >= 0),
	quantity_sold BIGINT NOT NULL DEFAULT 0 CHECK (quantity_sold >= 0)
);

CREATE TABLE IF NOT EXISTS sale_items (
	id TEXT PRIMARY KEY,
	payment_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	quantity_sold BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sale_items_payment
	ON sale_items(payment_id);

-- Clinical billing views
CREATE TABLE IF NOT EXISTS admissions (
	id TEXT PRIMARY KEY,
	patient_id TEXT NOT NULL,
	bed_id TEXT NOT NULL DEFAULT '',
	admission_date BIGINT NOT NULL,
	discharge_date BIGINT
);

CREATE TABLE IF NOT EXISTS treatments (
	id TEXT PRIMARY KEY,
	admission_id TEXT NOT NULL DEFAULT '',
	patient_id TEXT NOT NULL,
	treatment_type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	items_json TEXT NOT NULL DEFAULT '[]',
	with_consultation BOOLEAN NOT NULL DEFAULT FALSE,
	billed_minor BIGINT NOT NULL DEFAULT 0,
	last_updated_by TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_treatments_admission
	ON treatments(admission_id, created_at);

CREATE TABLE IF NOT EXISTS lab_requests (
	id TEXT PRIMARY KEY,
	treatment_id TEXT NOT NULL,
	service_name TEXT NOT NULL,
	created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lab_requests_treatment
	ON lab_requests(treatment_id, created_at);

-- HMOs and their settlement records
CREATE TABLE IF NOT EXISTS hmos (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS hmo_settlements (
	id TEXT PRIMARY KEY,
	hmo_id TEXT NOT NULL,
	amount_paid_minor BIGINT NOT NULL,
	total_due_minor BIGINT NOT NULL DEFAULT 0,
	outstanding_minor BIGINT NOT NULL DEFAULT 0,
	payment_date BIGINT NOT NULL,
	history_json TEXT NOT NULL DEFAULT '[]',
	created_by TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_hmo_settlements_hmo
	ON hmo_settlements(hmo_id, payment_date);
`

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(schema, "{{SERIAL}}", s.d.serial)
	if s.d.name == DriverSQLite {
		_, err := s.db.ExecContext(ctx, ddl)
		return err
	}
	// PostgreSQL DDL is applied one statement at a time.
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stripComments(stmt)) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func stripComments(stmt string) string {
	var b strings.Builder
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
