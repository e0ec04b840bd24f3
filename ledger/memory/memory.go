// Package memory provides an in-memory ledger.TxStore (for testing/dev).
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/hospital-ledger/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store keeps every record in maps guarded by one mutex. WithTx holds the
// mutex for the whole transaction, so transactions are fully serialized and
// the ForUpdate methods need no extra locking.
type Store struct {
	mu sync.RWMutex
	s  *state
}

var _ ledger.TxStore = (*Store)(nil)

func New() *Store {
	return &Store{s: newState()}
}

type state struct {
	patients      map[ledger.PatientID]ledger.Patient
	wallets       map[ledger.WalletID]ledger.Wallet
	walletByOwner map[ledger.PatientID]ledger.WalletID
	walletTxs     []ledger.WalletTransaction
	payments      map[ledger.PaymentID]ledger.Payment
	products      map[ledger.ProductID]ledger.Product
	saleItems     map[ledger.SaleItemID]ledger.SaleItem
	admissions    map[ledger.AdmissionID]ledger.Admission
	treatments    map[ledger.TreatmentID]ledger.Treatment
	labRequests   map[ledger.LabRequestID]ledger.LabRequest
	hmos          map[ledger.HmoID]ledger.Hmo
	settlements   map[ledger.HmoSettlementID]ledger.HmoSettlement
}

func newState() *state {
	return &state{
		patients:      make(map[ledger.PatientID]ledger.Patient),
		wallets:       make(map[ledger.WalletID]ledger.Wallet),
		walletByOwner: make(map[ledger.PatientID]ledger.WalletID),
		payments:      make(map[ledger.PaymentID]ledger.Payment),
		products:      make(map[ledger.ProductID]ledger.Product),
		saleItems:     make(map[ledger.SaleItemID]ledger.SaleItem),
		admissions:    make(map[ledger.AdmissionID]ledger.Admission),
		treatments:    make(map[ledger.TreatmentID]ledger.Treatment),
		labRequests:   make(map[ledger.LabRequestID]ledger.LabRequest),
		hmos:          make(map[ledger.HmoID]ledger.Hmo),
		settlements:   make(map[ledger.HmoSettlementID]ledger.HmoSettlement),
	}
}

// clone deep-copies the state for rollback.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.patients {
		c.patients[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.walletByOwner {
		c.walletByOwner[k] = v
	}
	c.walletTxs = append([]ledger.WalletTransaction(nil), s.walletTxs...)
	for k, v := range s.payments {
		c.payments[k] = v.Clone()
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.saleItems {
		c.saleItems[k] = v
	}
	for k, v := range s.admissions {
		c.admissions[k] = v
	}
	for k, v := range s.treatments {
		c.treatments[k] = v.Clone()
	}
	for k, v := range s.labRequests {
		c.labRequests[k] = v
	}
	for k, v := range s.hmos {
		c.hmos[k] = v
	}
	for k, v := range s.settlements {
		c.settlements[k] = v.Clone()
	}
	return c
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// Simulated with a snapshot, restored on error or panic.
func (m *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	committed := false
	defer func() {
		if !committed {
			m.s = snapshot
		}
	}()

	if err := fn(&view{s: m.s}); err != nil {
		return err
	}
	committed = true
	return nil
}

// view is the Store handed to WithTx callbacks. The parent mutex is already
// held, so it reads and writes state directly.
type view struct {
	s *state
}

// read runs fn under the read lock.
func read[T any](m *Store, fn func(*state) (T, error)) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.s)
}

// write runs fn under the write lock.
func write(m *Store, fn func(*state) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.s)
}

// =============================================================================
// PATIENTS
// =============================================================================

func (s *state) getPatient(id ledger.PatientID) (*ledger.Patient, error) {
	p, ok := s.patients[id]
	if !ok {
		return nil, ledger.NotFound("patient", id)
	}
	return &p, nil
}

func (s *state) savePatient(p ledger.Patient) error {
	s.patients[p.ID] = p
	return nil
}

// =============================================================================
// WALLETS
// =============================================================================

func (s *state) getWalletByPatient(id ledger.PatientID) (*ledger.Wallet, error) {
	wid, ok := s.walletByOwner[id]
	if !ok {
		return nil, ledger.NotFound("wallet for patient", id)
	}
	w := s.wallets[wid]
	return &w, nil
}

func (s *state) saveWallet(w ledger.Wallet) error {
	if err := w.CheckInvariant(); err != nil {
		return err
	}
	s.wallets[w.ID] = w
	s.walletByOwner[w.PatientID] = w.ID
	return nil
}

func (s *state) appendWalletTransaction(tx ledger.WalletTransaction) error {
	for _, existing := range s.walletTxs {
		if existing.ID == tx.ID {
			return &ledger.ConflictError{Code: "duplicate_wallet_transaction", Message: "wallet transaction " + string(tx.ID) + " already recorded"}
		}
	}
	tx.Meta = copyMeta(tx.Meta)
	s.walletTxs = append(s.walletTxs, tx)
	return nil
}

func (s *state) listWalletTransactions(match func(ledger.WalletTransaction) bool) []ledger.WalletTransaction {
	var out []ledger.WalletTransaction
	for _, tx := range s.walletTxs {
		if match(tx) {
			tx.Meta = copyMeta(tx.Meta)
			out = append(out, tx)
		}
	}
	return out
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *state) getPayment(id ledger.PaymentID) (*ledger.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, ledger.NotFound("payment", id)
	}
	p = p.Clone()
	return &p, nil
}

func (s *state) savePayment(p ledger.Payment) error {
	if p.TransferReference != "" {
		for id, other := range s.payments {
			if id != p.ID && other.TransferReference == p.TransferReference {
				return ledger.ErrDuplicateTransferRef
			}
		}
	}
	s.payments[p.ID] = p.Clone()
	return nil
}

func (s *state) listPaymentsByPayable(ref ledger.BillableRef) []ledger.Payment {
	var out []ledger.Payment
	for _, p := range s.payments {
		if p.Payable == ref {
			out = append(out, p.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *state) findPaymentByTransferReference(ref string) (*ledger.Payment, error) {
	for _, p := range s.payments {
		if ref != "" && p.TransferReference == ref {
			p = p.Clone()
			return &p, nil
		}
	}
	return nil, ledger.NotFound("payment with transfer reference", ref)
}

// =============================================================================
// INVENTORY
// =============================================================================

func (s *state) getProduct(id ledger.ProductID) (*ledger.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, ledger.NotFound("product", id)
	}
	return &p, nil
}

func (s *state) saveProduct(p ledger.Product) error {
	if p.QuantityAvailableForSales < 0 || p.QuantitySold < 0 {
		return ledger.Invariant("product %s stock counters must not be negative", p.ID)
	}
	s.products[p.ID] = p
	return nil
}

func (s *state) listSaleItemsByPayment(id ledger.PaymentID) []ledger.SaleItem {
	var out []ledger.SaleItem
	for _, item := range s.saleItems {
		if item.PaymentID == id {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// CLINICAL
// =============================================================================

func (s *state) getAdmission(id ledger.AdmissionID) (*ledger.Admission, error) {
	a, ok := s.admissions[id]
	if !ok {
		return nil, ledger.NotFound("admission", id)
	}
	return &a, nil
}

func (s *state) getTreatment(id ledger.TreatmentID) (*ledger.Treatment, error) {
	t, ok := s.treatments[id]
	if !ok {
		return nil, ledger.NotFound("treatment", id)
	}
	t = t.Clone()
	return &t, nil
}

func (s *state) listTreatmentsByAdmission(id ledger.AdmissionID) []ledger.Treatment {
	var out []ledger.Treatment
	for _, t := range s.treatments {
		if t.AdmissionID == id {
			out = append(out, t.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *state) listLabRequestsByTreatment(id ledger.TreatmentID) []ledger.LabRequest {
	var out []ledger.LabRequest
	for _, r := range s.labRequests {
		if r.TreatmentID == id {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// =============================================================================
// HMO
// =============================================================================

func (s *state) getHmo(id ledger.HmoID) (*ledger.Hmo, error) {
	h, ok := s.hmos[id]
	if !ok {
		return nil, ledger.NotFound("hmo", id)
	}
	return &h, nil
}

func (s *state) getHmoSettlement(id ledger.HmoSettlementID) (*ledger.HmoSettlement, error) {
	st, ok := s.settlements[id]
	if !ok {
		return nil, ledger.NotFound("hmo settlement", id)
	}
	st = st.Clone()
	return &st, nil
}

func (s *state) listHmoSettlements(id ledger.HmoID) []ledger.HmoSettlement {
	var out []ledger.HmoSettlement
	for _, st := range s.settlements {
		if st.HmoID == id {
			out = append(out, st.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PaymentDate.Before(out[j].PaymentDate) })
	return out
}

func (s *state) sumCompletedPaymentsByHmo(ids []ledger.HmoID) map[ledger.HmoID]decimal.Decimal {
	want := idSet(ids)
	sums := make(map[ledger.HmoID]decimal.Decimal)
	for _, p := range s.payments {
		if p.HmoID == "" || p.Status != ledger.StatusCompleted || !want[p.HmoID] {
			continue
		}
		sums[p.HmoID] = sums[p.HmoID].Add(p.Amount)
	}
	return sums
}

func (s *state) sumHmoSettlementsByHmo(ids []ledger.HmoID) map[ledger.HmoID]decimal.Decimal {
	want := idSet(ids)
	sums := make(map[ledger.HmoID]decimal.Decimal)
	for _, st := range s.settlements {
		if want[st.HmoID] {
			sums[st.HmoID] = sums[st.HmoID].Add(st.AmountPaid)
		}
	}
	return sums
}

func idSet(ids []ledger.HmoID) map[ledger.HmoID]bool {
	set := make(map[ledger.HmoID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
