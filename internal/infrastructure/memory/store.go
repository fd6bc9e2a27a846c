// Package memory provides an in-memory store implementing the domain ports.
// It backs package tests and local development without a database.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apotheca/go-tpc/internal/domain/plan"
	"github.com/apotheca/go-tpc/internal/domain/schedule"
)

// Store holds all aggregates behind one mutex. Reads hand out deep copies so
// callers can mutate freely before an explicit update.
type Store struct {
	mu            sync.RWMutex
	plans         map[string]*plan.TreatmentPlan
	byNumber      map[string]string
	confirmations map[string]*plan.TakenConfirmation
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		plans:         map[string]*plan.TreatmentPlan{},
		byNumber:      map[string]string{},
		confirmations: map[string]*plan.TakenConfirmation{},
	}
}

func (s *Store) CreatePlan(_ context.Context, p *plan.TreatmentPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byNumber[p.Number]; exists {
		return plan.ErrDuplicateNumber
	}
	p.ID = uuid.New().String()
	for _, m := range p.Medicines {
		m.ID = uuid.New().String()
		m.PlanID = p.ID
	}
	s.plans[p.ID] = copyPlan(p)
	s.byNumber[p.Number] = p.ID
	return nil
}

func (s *Store) PlanByNumber(_ context.Context, number string) (*plan.TreatmentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNumber[number]
	if !ok {
		return nil, plan.ErrNotFound
	}
	return copyPlan(s.plans[id]), nil
}

func (s *Store) PlanByID(_ context.Context, id string) (*plan.TreatmentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, plan.ErrNotFound
	}
	return copyPlan(p), nil
}

func (s *Store) UpdatePlan(_ context.Context, p *plan.TreatmentPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.plans[p.ID]
	if !ok {
		return plan.ErrNotFound
	}
	if p.Review != nil {
		if p.Review.ID == "" {
			p.Review.ID = uuid.New().String()
		}
		p.Review.PlanID = p.ID
		for _, e := range p.Review.Entries {
			if e.ID == "" {
				e.ID = uuid.New().String()
			}
		}
	}
	// Medicine rows are immutable after creation; keep the stored ones.
	next := copyPlan(p)
	next.Medicines = stored.Medicines
	s.plans[p.ID] = next
	return nil
}

func (s *Store) ClaimPlan(_ context.Context, number, patientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byNumber[number]
	if !ok {
		return false, plan.ErrNotFound
	}
	p := s.plans[id]
	if p.PatientID != "" && p.PatientID != patientID {
		return false, nil
	}
	p.PatientID = patientID
	p.Status = plan.StatusClaimed
	return true, nil
}

func (s *Store) ListPlans(_ context.Context, f plan.ListFilter) ([]*plan.TreatmentPlan, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*plan.TreatmentPlan
	for _, p := range s.plans {
		if f.Search != "" && !strings.Contains(strings.ToLower(p.AdviceText), strings.ToLower(f.Search)) {
			continue
		}
		if f.PharmacistID != "" && p.PharmacistID != f.PharmacistID {
			continue
		}
		if f.PatientID != "" && p.PatientID != f.PatientID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DateCreated.Equal(matched[j].DateCreated) {
			return matched[i].DateCreated.After(matched[j].DateCreated)
		}
		return matched[i].Number < matched[j].Number
	})
	total := len(matched)
	if f.Offset >= total {
		return []*plan.TreatmentPlan{}, total, nil
	}
	end := f.Offset + f.Limit
	if f.Limit <= 0 || end > total {
		end = total
	}
	page := make([]*plan.TreatmentPlan, 0, end-f.Offset)
	for _, p := range matched[f.Offset:end] {
		page = append(page, copyPlan(p))
	}
	return page, total, nil
}

func (s *Store) DeletePlan(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return plan.ErrNotFound
	}
	delete(s.byNumber, p.Number)
	delete(s.plans, id)
	for cid, c := range s.confirmations {
		if c.PlanID == id {
			delete(s.confirmations, cid)
		}
	}
	return nil
}

func (s *Store) DueMedicines(_ context.Context, patientID string, date time.Time) ([]*schedule.DueMedicine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schedule.DueMedicine
	for _, p := range s.plans {
		if p.PatientID != patientID || !p.ActiveOn(date) {
			continue
		}
		for _, m := range p.Medicines {
			out = append(out, &schedule.DueMedicine{Medicine: copyMedicine(m), PlanNumber: p.Number})
		}
	}
	return out, nil
}

func (s *Store) MedicineByID(_ context.Context, id string) (*plan.Medicine, *plan.TreatmentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.plans {
		for _, m := range p.Medicines {
			if m.ID == id {
				return copyMedicine(m), copyPlan(p), nil
			}
		}
	}
	return nil, nil, plan.ErrNotFound
}

func (s *Store) TakenMedicineIDs(_ context.Context, patientID string, dayStart, dayEnd time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, c := range s.confirmations {
		if c.PatientID == patientID && inWindow(c.TakenAt, dayStart, dayEnd) {
			ids = append(ids, c.MedicineID)
		}
	}
	return ids, nil
}

func (s *Store) ConfirmationForDay(_ context.Context, medicineID string, dayStart, dayEnd time.Time) (*plan.TakenConfirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.confirmations {
		if c.MedicineID == medicineID && inWindow(c.TakenAt, dayStart, dayEnd) {
			cc := *c
			return &cc, nil
		}
	}
	return nil, nil
}

func (s *Store) InsertConfirmation(_ context.Context, c *plan.TakenConfirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := plan.DateOnly(c.TakenAt)
	for _, existing := range s.confirmations {
		if existing.MedicineID == c.MedicineID && plan.DateOnly(existing.TakenAt).Equal(day) {
			// Uniqueness guard on (medicine, day): keep the existing row.
			return nil
		}
	}
	c.ID = uuid.New().String()
	cc := *c
	s.confirmations[c.ID] = &cc
	return nil
}

func (s *Store) DeleteConfirmations(_ context.Context, medicineID string, dayStart, dayEnd time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.confirmations {
		if c.MedicineID == medicineID && inWindow(c.TakenAt, dayStart, dayEnd) {
			delete(s.confirmations, id)
		}
	}
	return nil
}

func (s *Store) ConfirmationsBetween(_ context.Context, planID string, from, to time.Time) ([]*plan.TakenConfirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*plan.TakenConfirmation
	for _, c := range s.confirmations {
		if c.PlanID == planID && !c.TakenAt.Before(from) && !c.TakenAt.After(to) {
			cc := *c
			out = append(out, &cc)
		}
	}
	return out, nil
}

func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

func copyMedicine(m *plan.Medicine) *plan.Medicine {
	cm := *m
	return &cm
}

func copyPlan(p *plan.TreatmentPlan) *plan.TreatmentPlan {
	cp := *p
	if p.DateStarted != nil {
		d := *p.DateStarted
		cp.DateStarted = &d
	}
	if p.DateCompleted != nil {
		d := *p.DateCompleted
		cp.DateCompleted = &d
	}
	cp.Medicines = make([]*plan.Medicine, 0, len(p.Medicines))
	for _, m := range p.Medicines {
		cp.Medicines = append(cp.Medicines, copyMedicine(m))
	}
	if p.Review != nil {
		rv := *p.Review
		rv.Entries = make([]*plan.ReviewEntry, 0, len(p.Review.Entries))
		for _, e := range p.Review.Entries {
			ce := *e
			rv.Entries = append(rv.Entries, &ce)
		}
		cp.Review = &rv
	}
	return &cp
}
