// Package schedule computes the daily dosage schedule and taken-state toggles.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/apotheca/go-tpc/internal/domain/plan"
)

// DueMedicine is one dosage row due on a given day, tagged with the claim
// token of the plan it belongs to.
type DueMedicine struct {
	Medicine   *plan.Medicine
	PlanNumber string
}

// DaySchedule partitions a day's due medicines by time-of-day slot. Slots
// with nothing due are present with empty slices so views render all four.
type DaySchedule map[plan.TimeOfDay][]*DueMedicine

// Store is the persistence port for schedule reads and taken toggles.
type Store interface {
	// DueMedicines returns the dosage rows of every plan owned by the patient
	// whose inclusive treatment window contains date. Order is unspecified.
	DueMedicines(ctx context.Context, patientID string, date time.Time) ([]*DueMedicine, error)
	// MedicineByID loads a dosage row together with its owning plan, or
	// plan.ErrNotFound.
	MedicineByID(ctx context.Context, id string) (*plan.Medicine, *plan.TreatmentPlan, error)
	// TakenMedicineIDs returns ids of the patient's dosage rows confirmed
	// within [dayStart, dayEnd).
	TakenMedicineIDs(ctx context.Context, patientID string, dayStart, dayEnd time.Time) ([]string, error)
	// ConfirmationForDay returns the confirmation for a row within
	// [dayStart, dayEnd), or nil when none exists.
	ConfirmationForDay(ctx context.Context, medicineID string, dayStart, dayEnd time.Time) (*plan.TakenConfirmation, error)
	// InsertConfirmation inserts a confirmation. Inserts are guarded by a
	// uniqueness check on (medicine id, day); a concurrent duplicate insert
	// must leave at most one row visible.
	InsertConfirmation(ctx context.Context, c *plan.TakenConfirmation) error
	// DeleteConfirmations removes any confirmations for the row within
	// [dayStart, dayEnd). Deleting nothing is not an error.
	DeleteConfirmations(ctx context.Context, medicineID string, dayStart, dayEnd time.Time) error
}

// Service is the schedule aggregator. All reads are computed at request time
// from the stored medicine and confirmation rows; nothing is pre-materialized.
type Service struct {
	store  Store
	logger *zap.Logger

	// Now is replaceable for tests.
	Now func() time.Time
}

// NewService creates a schedule service.
func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetDueMedicines returns the doses due for the patient on date, partitioned
// by the four time-of-day slots. Within a slot, rows are ordered by plan
// number then medicine name. An empty schedule is a normal result.
func (s *Service) GetDueMedicines(ctx context.Context, patientID string, date time.Time) (DaySchedule, error) {
	due, err := s.store.DueMedicines(ctx, patientID, plan.DateOnly(date))
	if err != nil {
		return nil, fmt.Errorf("load due medicines: %w", err)
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].PlanNumber != due[j].PlanNumber {
			return due[i].PlanNumber < due[j].PlanNumber
		}
		return due[i].Medicine.Name < due[j].Medicine.Name
	})

	out := DaySchedule{}
	for _, slot := range plan.SlotOrder {
		out[slot] = []*DueMedicine{}
	}
	for _, d := range due {
		out[d.Medicine.TimeOfDay] = append(out[d.Medicine.TimeOfDay], d)
	}
	return out, nil
}

// GetTakenMedicineIDs returns the ids of the patient's dosage rows confirmed
// taken within the calendar day containing date.
func (s *Service) GetTakenMedicineIDs(ctx context.Context, patientID string, date time.Time) ([]string, error) {
	dayStart := plan.DateOnly(date)
	ids, err := s.store.TakenMedicineIDs(ctx, patientID, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("load taken ids: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// ToggleTaken records or removes the taken confirmation for a dosage row on
// the day containing date. Both directions are idempotent: a repeated "taken"
// leaves exactly one confirmation, a repeated "not taken" leaves none.
func (s *Service) ToggleTaken(ctx context.Context, patientID, medicineID string, date time.Time, taken bool) error {
	med, owner, err := s.store.MedicineByID(ctx, medicineID)
	if err != nil {
		return err
	}
	if owner.PatientID != patientID {
		return plan.ErrForbidden
	}

	dayStart := plan.DateOnly(date)
	if dayStart.After(plan.DateOnly(s.Now())) {
		return plan.ErrInvalidDate
	}
	dayEnd := dayStart.AddDate(0, 0, 1)

	if !taken {
		if err := s.store.DeleteConfirmations(ctx, medicineID, dayStart, dayEnd); err != nil {
			return fmt.Errorf("delete confirmation: %w", err)
		}
		return nil
	}

	existing, err := s.store.ConfirmationForDay(ctx, medicineID, dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("check confirmation: %w", err)
	}
	if existing != nil {
		return nil
	}
	c := &plan.TakenConfirmation{
		MedicineID: med.ID,
		PlanID:     owner.ID,
		PatientID:  patientID,
		TakenAt:    date.UTC(),
	}
	if err := s.store.InsertConfirmation(ctx, c); err != nil {
		return fmt.Errorf("insert confirmation: %w", err)
	}
	s.logger.Debug("dose confirmation toggled on",
		zap.String("medicine_id", medicineID),
		zap.String("patient_id", patientID),
		zap.Time("day", dayStart))
	return nil
}
