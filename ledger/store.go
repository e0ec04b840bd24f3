/*
store.go - Persistence contracts for the billing core

PURPOSE:
  Defines the interface between billing logic and the database. Engines
  depend only on these interfaces; concrete stores live in ledger/memory
  (tests, dev) and store/sqlstore (SQLite, PostgreSQL).

KEY INTERFACES:
  Store:   Reads and writes for every record the billing core touches
  TxStore: Store + WithTx for all-or-nothing operations

LOCKING:
  Get*ForUpdate methods lock the returned row until the surrounding
  transaction ends. They only make sense inside WithTx. Lock order used by
  every engine: payment -> products (ascending id) -> wallet.

APPEND-ONLY:
  WalletTransaction has AppendWalletTransaction and nothing else. Payment
  and settlement history is append-only by convention (Record()).

NOT FOUND:
  Get* methods return a *NotFoundError (errors.Is(err, ErrNotFound)) when
  the row is missing, never (nil, nil).

SEE ALSO:
  - ledger/memory/memory.go: In-memory implementation
  - store/sqlstore/sqlstore.go: SQL implementation
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	PatientStore
	WalletStore
	PaymentStore
	InventoryStore
	ClinicalStore
	HmoStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store passed to fn is
	// rolled back. If fn returns nil, they are committed together.
	WithTx(ctx context.Context, fn func(Store) error) error
}

type PatientStore interface {
	GetPatient(ctx context.Context, id PatientID) (*Patient, error)
	SavePatient(ctx context.Context, p Patient) error
}

type WalletStore interface {
	GetWalletByPatient(ctx context.Context, patientID PatientID) (*Wallet, error)
	GetWalletByPatientForUpdate(ctx context.Context, patientID PatientID) (*Wallet, error)
	SaveWallet(ctx context.Context, w Wallet) error

	// AppendWalletTransaction is the only write for wallet transactions.
	AppendWalletTransaction(ctx context.Context, tx WalletTransaction) error
	// ListWalletTransactions returns a wallet's transactions oldest first.
	ListWalletTransactions(ctx context.Context, walletID WalletID) ([]WalletTransaction, error)
	// ListWalletTransactionsByPayment returns a payment's wallet transactions oldest first.
	ListWalletTransactionsByPayment(ctx context.Context, paymentID PaymentID) ([]WalletTransaction, error)
}

type PaymentStore interface {
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	GetPaymentForUpdate(ctx context.Context, id PaymentID) (*Payment, error)
	SavePayment(ctx context.Context, p Payment) error

	// ListPaymentsByPayable returns payments for a billable entity, oldest first.
	ListPaymentsByPayable(ctx context.Context, ref BillableRef) ([]Payment, error)
	// FindPaymentByTransferReference returns the payment using ref, or a NotFoundError.
	FindPaymentByTransferReference(ctx context.Context, ref string) (*Payment, error)
}

type InventoryStore interface {
	GetProduct(ctx context.Context, id ProductID) (*Product, error)
	GetProductForUpdate(ctx context.Context, id ProductID) (*Product, error)
	SaveProduct(ctx context.Context, p Product) error

	ListSaleItemsByPayment(ctx context.Context, paymentID PaymentID) ([]SaleItem, error)
	SaveSaleItem(ctx context.Context, item SaleItem) error
}

type ClinicalStore interface {
	GetAdmission(ctx context.Context, id AdmissionID) (*Admission, error)
	GetAdmissionForUpdate(ctx context.Context, id AdmissionID) (*Admission, error)
	SaveAdmission(ctx context.Context, a Admission) error

	GetTreatment(ctx context.Context, id TreatmentID) (*Treatment, error)
	GetTreatmentForUpdate(ctx context.Context, id TreatmentID) (*Treatment, error)
	SaveTreatment(ctx context.Context, t Treatment) error
	// ListTreatmentsByAdmission returns treatments ordered by CreatedAt ascending.
	ListTreatmentsByAdmission(ctx context.Context, admissionID AdmissionID) ([]Treatment, error)

	// ListLabRequestsByTreatment returns lab requests ordered by CreatedAt ascending.
	ListLabRequestsByTreatment(ctx context.Context, treatmentID TreatmentID) ([]LabRequest, error)
	SaveLabRequest(ctx context.Context, r LabRequest) error
}

type HmoStore interface {
	GetHmo(ctx context.Context, id HmoID) (*Hmo, error)
	SaveHmo(ctx context.Context, h Hmo) error

	GetHmoSettlement(ctx context.Context, id HmoSettlementID) (*HmoSettlement, error)
	GetHmoSettlementForUpdate(ctx context.Context, id HmoSettlementID) (*HmoSettlement, error)
	SaveHmoSettlement(ctx context.Context, s HmoSettlement) error
	ListHmoSettlements(ctx context.Context, hmoID HmoID) ([]HmoSettlement, error)

	// SumCompletedPaymentsByHmo sums Amount of COMPLETED payments per hmo in
	// one grouped query. Ids with no payments are absent from the map.
	SumCompletedPaymentsByHmo(ctx context.Context, ids []HmoID) (map[HmoID]decimal.Decimal, error)
	// SumHmoSettlementsByHmo sums AmountPaid of settlement records per hmo in
	// one grouped query. Ids with no records are absent from the map.
	SumHmoSettlementsByHmo(ctx context.Context, ids []HmoID) (map[HmoID]decimal.Decimal, error)
}
