/*
Package ledger provides the core types of the patient financial ledger.

PURPOSE:
  This package contains the data model shared by every billing component:
  wallets and their two balance pools, payments and their status history,
  the immutable wallet audit trail, HMO settlement records, and the
  billing-relevant views of treatments, admissions and pharmacy sales.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal, always rounded to 2 places when persisted
  - Wallet: deposit_balance (pre-paid) and outstanding_balance (owed)
  - Payment: a single billable transaction with an append-only history
  - WalletTransaction: immutable audit row for every wallet change
  - BillableRef: tagged reference to the entity a payment bills for

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float64
  2. Type Safety: distinct ID types prevent mixing payment/patient IDs
  3. Auditability: wallet changes always leave a WalletTransaction behind
  4. Immutability: history entries and wallet transactions are append-only

SEE ALSO:
  - wallet.go: Deposit/outstanding pool arithmetic
  - errors.go: Error taxonomy
  - store.go: Persistence contracts
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the number of decimal places money is rounded to.
const MoneyPlaces = 2

// Money rounds a decimal to MoneyPlaces.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// MustMoney parses a decimal string, returning zero on malformed input.
func MustMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return Money(d)
}

// MaxZero returns d, or zero when d is negative.
func MaxZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PatientID string
type WalletID string
type PaymentID string
type WalletTransactionID string
type HmoID string
type HmoSettlementID string
type ProductID string
type SaleItemID string
type TreatmentID string
type AdmissionID string
type LabRequestID string
type StaffID string

// SystemActor stamps changes made without a staff member behind them.
const SystemActor StaffID = "system"

// =============================================================================
// BILLABLE REFERENCE - What a payment bills for
// =============================================================================

type BillableKind string

const (
	BillableAdmission          BillableKind = "admission"
	BillableTreatment          BillableKind = "treatment"
	BillableLabRequest         BillableKind = "lab_request"
	BillableRadiologyRequest   BillableKind = "radiology_request"
	BillablePatient            BillableKind = "patient"
	BillableVisitation         BillableKind = "visitation"
	BillableOrganisationAndHmo BillableKind = "organisation_and_hmo"
)

// Valid reports whether k is one of the known billable kinds.
func (k BillableKind) Valid() bool {
	switch k {
	case BillableAdmission, BillableTreatment, BillableLabRequest, BillableRadiologyRequest,
		BillablePatient, BillableVisitation, BillableOrganisationAndHmo:
		return true
	}
	return false
}

// BillableRef points at the entity a payment bills for.
type BillableRef struct {
	Kind BillableKind `json:"kind"`
	ID   string       `json:"id"`
}

func AdmissionRef(id AdmissionID) BillableRef { return BillableRef{Kind: BillableAdmission, ID: string(id)} }
func TreatmentRef(id TreatmentID) BillableRef { return BillableRef{Kind: BillableTreatment, ID: string(id)} }
func PatientRef(id PatientID) BillableRef     { return BillableRef{Kind: BillablePatient, ID: string(id)} }

func (r BillableRef) IsZero() bool   { return r.Kind == "" && r.ID == "" }
func (r BillableRef) String() string { return string(r.Kind) + ":" + r.ID }

// =============================================================================
// WALLET
// =============================================================================

// Wallet holds a patient's two balance pools. Both are always >= 0.
// Mutated only through the methods in wallet.go.
type Wallet struct {
	ID                 WalletID        `json:"id"`
	PatientID          PatientID       `json:"patient_id"`
	DepositBalance     decimal.Decimal `json:"deposit_balance"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// =============================================================================
// WALLET TRANSACTION - Immutable audit row
// =============================================================================

type WalletTxType string

const (
	WalletCredit WalletTxType = "CREDIT"
	WalletDebit  WalletTxType = "DEBIT"
)

// WalletEvent tags what caused a wallet transaction. Stored in Meta.
type WalletEvent string

const (
	EventDeposit           WalletEvent = "deposit"
	EventDepositReversal   WalletEvent = "deposit_reversal"
	EventPaymentDebit      WalletEvent = "payment_debit"
	EventPaymentReversal   WalletEvent = "payment_reversal"
	EventDischargeDebit    WalletEvent = "discharge_debit"
	EventTreatmentBilled   WalletEvent = "treatment_billed"
	EventTreatmentReopened WalletEvent = "treatment_reopened"
)

// Meta keys written on every wallet transaction.
const (
	MetaEvent                = "event"
	MetaDepositBefore        = "deposit_before"
	MetaDepositAfter         = "deposit_after"
	MetaOutstandingBefore    = "outstanding_before"
	MetaOutstandingAfter     = "outstanding_after"
	MetaAppliedToOutstanding = "applied_to_outstanding"
	MetaCreditedToDeposit    = "credited_to_deposit"
	MetaDebitedFromDeposit   = "debited_from_deposit"
	MetaShortfall            = "shortfall"
	MetaOutstandingCleared   = "outstanding_cleared"
)

// WalletTransaction records one change to a wallet. Never updated or deleted.
// BalanceBefore/BalanceAfter track deposit_balance; the outstanding pool is
// tracked in Meta.
type WalletTransaction struct {
	ID            WalletTransactionID `json:"id"`
	WalletID      WalletID            `json:"wallet_id"`
	PaymentID     PaymentID           `json:"payment_id,omitempty"`
	Type          WalletTxType        `json:"transaction_type"`
	Amount        decimal.Decimal     `json:"amount"`
	BalanceBefore decimal.Decimal     `json:"balance_before"`
	BalanceAfter  decimal.Decimal     `json:"balance_after"`
	Description   string              `json:"description"`
	Meta          map[string]string   `json:"meta"`
	CreatedBy     StaffID             `json:"created_by"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Event returns the event tag recorded in Meta.
func (t WalletTransaction) Event() WalletEvent {
	return WalletEvent(t.Meta[MetaEvent])
}

// MetaAmount reads a decimal from Meta, zero when absent.
func (t WalletTransaction) MetaAmount(key string) decimal.Decimal {
	return MustMoney(t.Meta[key])
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentStatus string

const (
	StatusCreated   PaymentStatus = "CREATED"
	StatusPending   PaymentStatus = "PENDING"
	StatusCompleted PaymentStatus = "COMPLETED"
)

// Settled reports whether the payment has been confirmed.
func (s PaymentStatus) Settled() bool { return s == StatusCompleted }

type PaymentMethod string

const (
	MethodWallet   PaymentMethod = "WALLET"
	MethodTransfer PaymentMethod = "TRANSFER"
	MethodHmo      PaymentMethod = "HMO"
	MethodCash     PaymentMethod = "CASH"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodWallet, MethodTransfer, MethodHmo, MethodCash:
		return true
	}
	return false
}

type PaymentType string

const (
	TypeAdmission     PaymentType = "ADMISSION"
	TypeTreatment     PaymentType = "TREATMENT"
	TypeLabTest       PaymentType = "LAB-TEST"
	TypeRadiologyTest PaymentType = "RADIOLOGY-TEST"
	TypePharmacy      PaymentType = "PHARMACY"
	TypeDeposit       PaymentType = "DEPOSIT"
	TypeAccount       PaymentType = "ACCOUNT"
	TypeHmo           PaymentType = "HMO"
	TypeConsultation  PaymentType = "CONSULTATION"
	TypeAnteNatal     PaymentType = "ANTE-NATAL"
)

func (t PaymentType) Valid() bool {
	switch t {
	case TypeAdmission, TypeTreatment, TypeLabTest, TypeRadiologyTest, TypePharmacy,
		TypeDeposit, TypeAccount, TypeHmo, TypeConsultation, TypeAnteNatal:
		return true
	}
	return false
}

type HistoryEvent string

const (
	HistoryCreated     HistoryEvent = "CREATED"
	HistoryUpdated     HistoryEvent = "UPDATED"
	HistoryCompleted   HistoryEvent = "COMPLETED"
	HistoryConfirmed   HistoryEvent = "CONFIRMED"
	HistoryPending     HistoryEvent = "PENDING"
	HistoryUnconfirmed HistoryEvent = "UNCONFIRMED"
	HistoryRefund      HistoryEvent = "REFUND"
)

// HistoryEntry is one timestamped status transition on a payment.
type HistoryEntry struct {
	At    time.Time    `json:"at"`
	Event HistoryEvent `json:"event"`
	Actor StaffID      `json:"actor"`
	Note  string       `json:"note,omitempty"`
}

// Payment is a single billable transaction.
type Payment struct {
	ID                PaymentID       `json:"id"`
	PatientID         PatientID       `json:"patient_id,omitempty"`
	Payable           BillableRef     `json:"payable"`
	Type              PaymentType     `json:"type"`
	Method            PaymentMethod   `json:"payment_method,omitempty"`
	Status            PaymentStatus   `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	AmountPayable     decimal.Decimal `json:"amount_payable"`
	RefundAmount      decimal.Decimal `json:"refund_amount"`
	HmoID             HmoID           `json:"hmo_id,omitempty"`
	ParentID          PaymentID       `json:"parent_id,omitempty"`
	TransferReference string          `json:"transfer_reference,omitempty"`
	BankTransferTo    string          `json:"bank_transfer_to,omitempty"`
	Remark            string          `json:"remark,omitempty"`
	ConfirmedBy       StaffID         `json:"confirmed_by,omitempty"`
	CreatedBy         StaffID         `json:"created_by,omitempty"`
	LastUpdatedBy     StaffID         `json:"last_updated_by,omitempty"`
	History           []HistoryEntry  `json:"history"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Record appends a history entry. History is never rewritten.
func (p *Payment) Record(at time.Time, event HistoryEvent, actor StaffID, note string) {
	p.History = append(p.History, HistoryEntry{At: at, Event: event, Actor: actor, Note: note})
}

// Clone returns a deep copy so stores never share history slices.
func (p Payment) Clone() Payment {
	p.History = append([]HistoryEntry(nil), p.History...)
	return p
}

// =============================================================================
// HMO SETTLEMENT (OrganisationAndHmoPayment)
// =============================================================================

type Hmo struct {
	ID   HmoID  `json:"id"`
	Name string `json:"name"`
}

// HmoSettlement is money an HMO paid outside the per-patient payment flow.
// TotalDue and OutstandingBalance are snapshots for audit display only.
type HmoSettlement struct {
	ID                 HmoSettlementID `json:"id"`
	HmoID              HmoID           `json:"hmo_id"`
	AmountPaid         decimal.Decimal `json:"amount_paid"`
	TotalDue           decimal.Decimal `json:"total_due"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
	PaymentDate        time.Time       `json:"payment_date"`
	History            []HistoryEntry  `json:"history"`
	CreatedBy          StaffID         `json:"created_by,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (s HmoSettlement) Clone() HmoSettlement {
	s.History = append([]HistoryEntry(nil), s.History...)
	return s
}

// =============================================================================
// COLLABORATOR VIEWS - Patients, products, clinical records
// =============================================================================

type Patient struct {
	ID    PatientID `json:"id"`
	Name  string    `json:"name"`
	HmoID HmoID     `json:"hmo_id,omitempty"`
}

type Product struct {
	ID                        ProductID       `json:"id"`
	Name                      string          `json:"name"`
	UnitPrice                 decimal.Decimal `json:"unit_price"`
	QuantityAvailableForSales int64           `json:"quantity_available_for_sales"`
	QuantitySold              int64           `json:"quantity_sold"`
}

// SaleItem is one pharmacy line settled by a PHARMACY payment.
type SaleItem struct {
	ID           SaleItemID `json:"id"`
	PaymentID    PaymentID  `json:"payment_id"`
	ProductID    ProductID  `json:"product_id"`
	QuantitySold int64      `json:"quantity_sold"`
}

type TreatmentStatus string

const (
	TreatmentInProgress TreatmentStatus = "IN_PROGRESS"
	TreatmentCompleted  TreatmentStatus = "COMPLETED"
	TreatmentCanceled   TreatmentStatus = "CANCELED"
)

type TreatmentItem struct {
	ProductID ProductID `json:"product_id"`
	Quantity  int64     `json:"quantity"`
}

// Treatment is the billing view of a treatment. BilledAmount is the cost
// frozen when the treatment was completed.
type Treatment struct {
	ID               TreatmentID     `json:"id"`
	AdmissionID      AdmissionID     `json:"admission_id,omitempty"`
	PatientID        PatientID       `json:"patient_id"`
	TreatmentType    string          `json:"treatment_type"`
	Status           TreatmentStatus `json:"status"`
	Items            []TreatmentItem `json:"items"`
	WithConsultation bool            `json:"with_consultation"`
	BilledAmount     decimal.Decimal `json:"billed_amount"`
	LastUpdatedBy    StaffID         `json:"last_updated_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (t Treatment) Clone() Treatment {
	t.Items = append([]TreatmentItem(nil), t.Items...)
	return t
}

// LabRequest is a lab or radiology test ordered during a treatment.
type LabRequest struct {
	ID          LabRequestID `json:"id"`
	TreatmentID TreatmentID  `json:"treatment_id"`
	ServiceName string       `json:"service_name"`
	CreatedAt   time.Time    `json:"created_at"`
}

type Admission struct {
	ID            AdmissionID `json:"id"`
	PatientID     PatientID   `json:"patient_id"`
	BedID         string      `json:"bed_id"`
	AdmissionDate time.Time   `json:"admission_date"`
	DischargeDate *time.Time  `json:"discharge_date,omitempty"`
}

// Discharged reports whether discharge settlement already ran.
func (a Admission) Discharged() bool { return a.DischargeDate != nil }
