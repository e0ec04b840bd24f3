package memory

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/warp/hospital-ledger/ledger"
)

// Store methods take the lock; view methods run inside WithTx, which already
// holds it. Both delegate to state.

// =============================================================================
// STORE (outside transactions)
// =============================================================================

func (m *Store) GetPatient(_ context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	return read(m, func(s *state) (*ledger.Patient, error) { return s.getPatient(id) })
}

func (m *Store) SavePatient(_ context.Context, p ledger.Patient) error {
	return write(m, func(s *state) error { return s.savePatient(p) })
}

func (m *Store) GetWalletByPatient(_ context.Context, id ledger.PatientID) (*ledger.Wallet, error) {
	return read(m, func(s *state) (*ledger.Wallet, error) { return s.getWalletByPatient(id) })
}

func (m *Store) GetWalletByPatientForUpdate(ctx context.Context, id ledger.PatientID) (*ledger.Wallet, error) {
	return m.GetWalletByPatient(ctx, id)
}

func (m *Store) SaveWallet(_ context.Context, w ledger.Wallet) error {
	return write(m, func(s *state) error { return s.saveWallet(w) })
}

func (m *Store) AppendWalletTransaction(_ context.Context, tx ledger.WalletTransaction) error {
	return write(m, func(s *state) error { return s.appendWalletTransaction(tx) })
}

func (m *Store) ListWalletTransactions(_ context.Context, id ledger.WalletID) ([]ledger.WalletTransaction, error) {
	return read(m, func(s *state) ([]ledger.WalletTransaction, error) {
		return s.listWalletTransactions(func(tx ledger.WalletTransaction) bool { return tx.WalletID == id }), nil
	})
}

func (m *Store) ListWalletTransactionsByPayment(_ context.Context, id ledger.PaymentID) ([]ledger.WalletTransaction, error) {
	return read(m, func(s *state) ([]ledger.WalletTransaction, error) {
		return s.listWalletTransactions(func(tx ledger.WalletTransaction) bool { return tx.PaymentID == id }), nil
	})
}

func (m *Store) GetPayment(_ context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	return read(m, func(s *state) (*ledger.Payment, error) { return s.getPayment(id) })
}

func (m *Store) GetPaymentForUpdate(ctx context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	return m.GetPayment(ctx, id)
}

func (m *Store) SavePayment(_ context.Context, p ledger.Payment) error {
	return write(m, func(s *state) error { return s.savePayment(p) })
}

func (m *Store) ListPaymentsByPayable(_ context.Context, ref ledger.BillableRef) ([]ledger.Payment, error) {
	return read(m, func(s *state) ([]ledger.Payment, error) { return s.listPaymentsByPayable(ref), nil })
}

func (m *Store) FindPaymentByTransferReference(_ context.Context, ref string) (*ledger.Payment, error) {
	return read(m, func(s *state) (*ledger.Payment, error) { return s.findPaymentByTransferReference(ref) })
}

func (m *Store) GetProduct(_ context.Context, id ledger.ProductID) (*ledger.Product, error) {
	return read(m, func(s *state) (*ledger.Product, error) { return s.getProduct(id) })
}

func (m *Store) GetProductForUpdate(ctx context.Context, id ledger.ProductID) (*ledger.Product, error) {
	return m.GetProduct(ctx, id)
}

func (m *Store) SaveProduct(_ context.Context, p ledger.Product) error {
	return write(m, func(s *state) error { return s.saveProduct(p) })
}

func (m *Store) ListSaleItemsByPayment(_ context.Context, id ledger.PaymentID) ([]ledger.SaleItem, error) {
	return read(m, func(s *state) ([]ledger.SaleItem, error) { return s.listSaleItemsByPayment(id), nil })
}

func (m *Store) SaveSaleItem(_ context.Context, item ledger.SaleItem) error {
	return write(m, func(s *state) error { s.saleItems[item.ID] = item; return nil })
}

func (m *Store) GetAdmission(_ context.Context, id ledger.AdmissionID) (*ledger.Admission, error) {
	return read(m, func(s *state) (*ledger.Admission, error) { return s.getAdmission(id) })
}

func (m *Store) GetAdmissionForUpdate(ctx context.Context, id ledger.AdmissionID) (*ledger.Admission, error) {
	return m.GetAdmission(ctx, id)
}

func (m *Store) SaveAdmission(_ context.Context, a ledger.Admission) error {
	return write(m, func(s *state) error { s.admissions[a.ID] = a; return nil })
}

func (m *Store) GetTreatment(_ context.Context, id ledger.TreatmentID) (*ledger.Treatment, error) {
	return read(m, func(s *state) (*ledger.Treatment, error) { return s.getTreatment(id) })
}

func (m *Store) GetTreatmentForUpdate(ctx context.Context, id ledger.TreatmentID) (*ledger.Treatment, error) {
	return m.GetTreatment(ctx, id)
}

func (m *Store) SaveTreatment(_ context.Context, t ledger.Treatment) error {
	return write(m, func(s *state) error { s.treatments[t.ID] = t.Clone(); return nil })
}

func (m *Store) ListTreatmentsByAdmission(_ context.Context, id ledger.AdmissionID) ([]ledger.Treatment, error) {
	return read(m, func(s *state) ([]ledger.Treatment, error) { return s.listTreatmentsByAdmission(id), nil })
}

func (m *Store) ListLabRequestsByTreatment(_ context.Context, id ledger.TreatmentID) ([]ledger.LabRequest, error) {
	return read(m, func(s *state) ([]ledger.LabRequest, error) { return s.listLabRequestsByTreatment(id), nil })
}

func (m *Store) SaveLabRequest(_ context.Context, r ledger.LabRequest) error {
	return write(m, func(s *state) error { s.labRequests[r.ID] = r; return nil })
}

func (m *Store) GetHmo(_ context.Context, id ledger.HmoID) (*ledger.Hmo, error) {
	return read(m, func(s *state) (*ledger.Hmo, error) { return s.getHmo(id) })
}

func (m *Store) SaveHmo(_ context.Context, h ledger.Hmo) error {
	return write(m, func(s *state) error { s.hmos[h.ID] = h; return nil })
}

func (m *Store) GetHmoSettlement(_ context.Context, id ledger.HmoSettlementID) (*ledger.HmoSettlement, error) {
	return read(m, func(s *state) (*ledger.HmoSettlement, error) { return s.getHmoSettlement(id) })
}

func (m *Store) GetHmoSettlementForUpdate(ctx context.Context, id ledger.HmoSettlementID) (*ledger.HmoSettlement, error) {
	return m.GetHmoSettlement(ctx, id)
}

func (m *Store) SaveHmoSettlement(_ context.Context, st ledger.HmoSettlement) error {
	return write(m, func(s *state) error { s.settlements[st.ID] = st.Clone(); return nil })
}

func (m *Store) ListHmoSettlements(_ context.Context, id ledger.HmoID) ([]ledger.HmoSettlement, error) {
	return read(m, func(s *state) ([]ledger.HmoSettlement, error) { return s.listHmoSettlements(id), nil })
}

func (m *Store) SumCompletedPaymentsByHmo(_ context.Context, ids []ledger.HmoID) (map[ledger.HmoID]decimal.Decimal, error) {
	return read(m, func(s *state) (map[ledger.HmoID]decimal.Decimal, error) { return s.sumCompletedPaymentsByHmo(ids), nil })
}

func (m *Store) SumHmoSettlementsByHmo(_ context.Context, ids []ledger.HmoID) (map[ledger.HmoID]decimal.Decimal, error) {
	return read(m, func(s *state) (map[ledger.HmoID]decimal.Decimal, error) { return s.sumHmoSettlementsByHmo(ids), nil })
}

// =============================================================================
// VIEW (inside WithTx)
// =============================================================================

func (v *view) GetPatient(_ context.Context, id ledger.PatientID) (*ledger.Patient, error) {
	return v.s.getPatient(id)
}

func (v *view) SavePatient(_ context.Context, p ledger.Patient) error { return v.s.savePatient(p) }

func (v *view) GetWalletByPatient(_ context.Context, id ledger.PatientID) (*ledger.Wallet, error) {
	return v.s.getWalletByPatient(id)
}

func (v *view) GetWalletByPatientForUpdate(_ context.Context, id ledger.PatientID) (*ledger.Wallet, error) {
	return v.s.getWalletByPatient(id)
}

func (v *view) SaveWallet(_ context.Context, w ledger.Wallet) error { return v.s.saveWallet(w) }

func (v *view) AppendWalletTransaction(_ context.Context, tx ledger.WalletTransaction) error {
	return v.s.appendWalletTransaction(tx)
}

func (v *view) ListWalletTransactions(_ context.Context, id ledger.WalletID) ([]ledger.WalletTransaction, error) {
	return v.s.listWalletTransactions(func(tx ledger.WalletTransaction) bool { return tx.WalletID == id }), nil
}

func (v *view) ListWalletTransactionsByPayment(_ context.Context, id ledger.PaymentID) ([]ledger.WalletTransaction, error) {
	return v.s.listWalletTransactions(func(tx ledger.WalletTransaction) bool { return tx.PaymentID == id }), nil
}

func (v *view) GetPayment(_ context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	return v.s.getPayment(id)
}

func (v *view) GetPaymentForUpdate(_ context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	return v.s.getPayment(id)
}

func (v *view) SavePayment(_ context.Context, p ledger.Payment) error { return v.s.savePayment(p) }

func (v *view) ListPaymentsByPayable(_ context.Context, ref ledger.BillableRef) ([]ledger.Payment, error) {
	return v.s.listPaymentsByPayable(ref), nil
}

func (v *view) FindPaymentByTransferReference(_ context.Context, ref string) (*ledger.Payment, error) {
	return v.s.findPaymentByTransferReference(ref)
}

func (v *view) GetProduct(_ context.Context, id ledger.ProductID) (*ledger.Product, error) {
	return v.s.getProduct(id)
}

func (v *view) GetProductForUpdate(_ context.Context, id ledger.ProductID) (*ledger.Product, error) {
	return v.s.getProduct(id)
}

func (v *view) SaveProduct(_ context.Context, p ledger.Product) error { return v.s.saveProduct(p) }

func (v *view) ListSaleItemsByPayment(_ context.Context, id ledger.PaymentID) ([]ledger.SaleItem, error) {
	return v.s.listSaleItemsByPayment(id), nil
}

func (v *view) SaveSaleItem(_ context.Context, item ledger.SaleItem) error {
	v.s.saleItems[item.ID] = item
	return nil
}

func (v *view) GetAdmission(_ context.Context, id ledger.AdmissionID) (*ledger.Admission, error) {
	return v.s.getAdmission(id)
}

func (v *view) GetAdmissionForUpdate(_ context.Context, id ledger.AdmissionID) (*ledger.Admission, error) {
	return v.s.getAdmission(id)
}

func (v *view) SaveAdmission(_ context.Context, a ledger.Admission) error {
	v.s.admissions[a.ID] = a
	return nil
}

func (v *view) GetTreatment(_ context.Context, id ledger.TreatmentID) (*ledger.Treatment, error) {
	return v.s.getTreatment(id)
}

func (v *view) GetTreatmentForUpdate(_ context.Context, id ledger.TreatmentID) (*ledger.Treatment, error) {
	return v.s.getTreatment(id)
}

func (v *view) SaveTreatment(_ context.Context, t ledger.Treatment) error {
	v.s.treatments[t.ID] = t.Clone()
	return nil
}

func (v *view) ListTreatmentsByAdmission(_ context.Context, id ledger.AdmissionID) ([]ledger.Treatment, error) {
	return v.s.listTreatmentsByAdmission(id), nil
}

func (v *view) ListLabRequestsByTreatment(_ context.Context, id ledger.TreatmentID) ([]ledger.LabRequest, error) {
	return v.s.listLabRequestsByTreatment(id), nil
}

func (v *view) SaveLabRequest(_ context.Context, r ledger.LabRequest) error {
	v.s.labRequests[r.ID] = r
	return nil
}

func (v *view) GetHmo(_ context.Context, id ledger.HmoID) (*ledger.Hmo, error) { return v.s.getHmo(id) }

func (v *view) SaveHmo(_ context.Context, h ledger.Hmo) error {
	v.s.hmos[h.ID] = h
	return nil
}

func (v *view) GetHmoSettlement(_ context.Context, id ledger.HmoSettlementID) (*ledger.HmoSettlement, error) {
	return v.s.getHmoSettlement(id)
}

func (v *view) GetHmoSettlementForUpdate(_ context.Context, id ledger.HmoSettlementID) (*ledger.HmoSettlement, error) {
	return v.s.getHmoSettlement(id)
}

func (v *view) SaveHmoSettlement(_ context.Context, st ledger.HmoSettlement) error {
	v.s.settlements[st.ID] = st.Clone()
	return nil
}

func (v *view) ListHmoSettlements(_ context.Context, id ledger.HmoID) ([]ledger.HmoSettlement, error) {
	return v.s.listHmoSettlements(id), nil
}

func (v *view) SumCompletedPaymentsByHmo(_ context.Context, ids []ledger.HmoID) (map[ledger.HmoID]decimal.Decimal, error) {
	return v.s.sumCompletedPaymentsByHmo(ids), nil
}

func (v *view) SumHmoSettlementsByHmo(_ context.Context, ids []ledger.HmoID) (map[ledger.HmoID]decimal.Decimal, error) {
	return v.s.sumHmoSettlementsByHmo(ids), nil
}
