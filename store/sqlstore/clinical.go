package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/hospital-ledger/ledger"
)

// =============================================================================
// ADMISSIONS
// =============================================================================

func (s *Store) GetAdmission(ctx context.Context, id ledger.AdmissionID) (*ledger.Admission, error) {
	return s.getAdmission(ctx, id, "")
}

func (s *Store) GetAdmissionForUpdate(ctx context.Context, id ledger.AdmissionID) (*ledger.Admission, error) {
	return s.getAdmission(ctx, id, s.lockSuffix())
}

func (s *Store) getAdmission(ctx context.Context, id ledger.AdmissionID, suffix string) (*ledger.Admission, error) {
	var (
		a         ledger.Admission
		admitted  int64
		discharge sql.NullInt64
	)
	err := s.queryRow(ctx, `
		SELECT id, patient_id, bed_id, admission_date, discharge_date
		FROM admissions WHERE id = ?`+suffix, id).
		Scan(&a.ID, &a.PatientID, &a.BedID, &admitted, &discharge)
	if err != nil {
		return nil, notFound(err, "admission", id)
	}
	a.AdmissionDate = fromNanos(admitted)
	if discharge.Valid {
		t := fromNanos(discharge.Int64)
		a.DischargeDate = &t
	}
	return &a, nil
}

func (s *Store) SaveAdmission(ctx context.Context, a ledger.Admission) error {
	var discharge sql.NullInt64
	if a.DischargeDate != nil {
		discharge = sql.NullInt64{Int64: toNanos(*a.DischargeDate), Valid: true}
	}
	err := s.exec(ctx, `
		INSERT INTO admissions (id, patient_id, bed_id, admission_date, discharge_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			bed_id = excluded.bed_id,
			admission_date = excluded.admission_date,
			discharge_date = excluded.discharge_date
	`, a.ID, a.PatientID, a.BedID, toNanos(a.AdmissionDate), discharge)
	if err != nil {
		return fmt.Errorf("failed to save admission: %w", err)
	}
	return nil
}

// =============================================================================
// TREATMENTS
// =============================================================================

const treatmentColumns = `id, admission_id, patient_id, treatment_type, status, items_json,
	with_consultation, billed_minor, last_updated_by, created_at, updated_at`

func (s *Store) GetTreatment(ctx context.Context, id ledger.TreatmentID) (*ledger.Treatment, error) {
	return s.getTreatment(ctx, id, "")
}

func (s *Store) GetTreatmentForUpdate(ctx context.Context, id ledger.TreatmentID) (*ledger.Treatment, error) {
	return s.getTreatment(ctx, id, s.lockSuffix())
}

func (s *Store) getTreatment(ctx context.Context, id ledger.TreatmentID, suffix string) (*ledger.Treatment, error) {
	row := s.queryRow(ctx, `SELECT `+treatmentColumns+` FROM treatments WHERE id = ?`+suffix, id)
	t, err := scanTreatment(row)
	if err != nil {
		return nil, notFound(err, "treatment", id)
	}
	return t, nil
}

func (s *Store) SaveTreatment(ctx context.Context, t ledger.Treatment) error {
	items, err := encodeJSON(t.Items)
	if err != nil {
		return err
	}
	err = s.exec(ctx, `
		INSERT INTO treatments (`+treatmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			admission_id = excluded.admission_id,
			treatment_type = excluded.treatment_type,
			status = excluded.status,
			items_json = excluded.items_json,
			with_consultation = excluded.with_consultation,
			billed_minor = excluded.billed_minor,
			last_updated_by = excluded.last_updated_by,
			updated_at = excluded.updated_at
	`, t.ID, t.AdmissionID, t.PatientID, t.TreatmentType, t.Status, items,
		t.WithConsultation, toMinor(t.BilledAmount), t.LastUpdatedBy,
		toNanos(t.CreatedAt), toNanos(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save treatment: %w", err)
	}
	return nil
}

func (s *Store) ListTreatmentsByAdmission(ctx context.Context, admissionID ledger.AdmissionID) ([]ledger.Treatment, error) {
	rows, err := s.query(ctx, `
		SELECT `+treatmentColumns+` FROM treatments
		WHERE admission_id = ? ORDER BY created_at ASC, id ASC
	`, admissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query treatments: %w", err)
	}
	defer rows.Close()

	var treatments []ledger.Treatment
	for rows.Next() {
		t, err := scanTreatment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan treatment: %w", err)
		}
		treatments = append(treatments, *t)
	}
	return treatments, rows.Err()
}

func scanTreatment(row scanner) (*ledger.Treatment, error) {
	var (
		t                    ledger.Treatment
		items                string
		billed               int64
		createdAt, updatedAt int64
	)
	err := row.Scan(&t.ID, &t.AdmissionID, &t.PatientID, &t.TreatmentType, &t.Status, &items,
		&t.WithConsultation, &billed, &t.LastUpdatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.BilledAmount = fromMinor(billed)
	t.CreatedAt = fromNanos(createdAt)
	t.UpdatedAt = fromNanos(updatedAt)
	if err := decodeJSON(items, &t.Items); err != nil {
		return nil, err
	}
	return &t, nil
}

// =============================================================================
// LAB REQUESTS
// =============================================================================

func (s *Store) ListLabRequestsByTreatment(ctx context.Context, treatmentID ledger.TreatmentID) ([]ledger.LabRequest, error) {
	rows, err := s.query(ctx, `
		SELECT id, treatment_id, service_name, created_at FROM lab_requests
		WHERE treatment_id = ? ORDER BY created_at ASC, id ASC
	`, treatmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lab requests: %w", err)
	}
	defer rows.Close()

	var requests []ledger.LabRequest
	for rows.Next() {
		var (
			r         ledger.LabRequest
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.TreatmentID, &r.ServiceName, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan lab request: %w", err)
		}
		r.CreatedAt = fromNanos(createdAt)
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

func (s *Store) SaveLabRequest(ctx context.Context, r ledger.LabRequest) error {
	err := s.exec(ctx, `
		INSERT INTO lab_requests (id, treatment_id, service_name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			treatment_id = excluded.treatment_id,
			service_name = excluded.service_name
	`, r.ID, r.TreatmentID, r.ServiceName, toNanos(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save lab request: %w", err)
	}
	return nil
}
