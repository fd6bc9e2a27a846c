// Package adherence computes treatment compliance from raw confirmation rows.
package adherence

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/apotheca/go-tpc/internal/domain/plan"
)

// MedicineCompliance is the adherence snapshot for one medicine name.
type MedicineCompliance struct {
	MedicineName  string  `json:"medicine_name"`
	DosesPerDay   int     `json:"doses_per_day"`
	ExpectedDoses int     `json:"expected_doses"`
	TakenDoses    int     `json:"taken_doses"`
	Percentage    float64 `json:"percentage"`
}

// Store is the persistence port for compliance reads.
type Store interface {
	// PlanByNumber loads the full aggregate by claim token.
	PlanByNumber(ctx context.Context, number string) (*plan.TreatmentPlan, error)
	// ConfirmationsBetween returns the plan's confirmations timestamped
	// within [from, to].
	ConfirmationsBetween(ctx context.Context, planID string, from, to time.Time) ([]*plan.TakenConfirmation, error)
}

// Service is the adherence calculator.
type Service struct {
	store  Store
	logger *zap.Logger

	// Now is replaceable for tests.
	Now func() time.Time
}

// NewService creates an adherence service.
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

// ComputeCompliance returns, per distinct medicine name in the plan, the
// percentage of expected doses confirmed as taken since the plan started.
// This is a point-in-time snapshot recomputed from raw rows on every call.
func (s *Service) ComputeCompliance(ctx context.Context, number string) ([]MedicineCompliance, error) {
	p, err := s.store.PlanByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	if p.DateStarted == nil || p.DateStarted.After(plan.DateOnly(now)) {
		return nil, plan.ErrNotStarted
	}
	start := *p.DateStarted

	// Inclusive of both the start day and today.
	elapsedDays := int(plan.DateOnly(now).Sub(start).Hours()/24) + 1
	if elapsedDays < 1 {
		elapsedDays = 1
	}

	confirmations, err := s.store.ConfirmationsBetween(ctx, p.ID, start, now)
	if err != nil {
		return nil, fmt.Errorf("load confirmations: %w", err)
	}
	takenByMedicine := map[string]int{}
	for _, c := range confirmations {
		takenByMedicine[c.MedicineID]++
	}

	rowsByName := map[string][]*plan.Medicine{}
	for _, m := range p.Medicines {
		rowsByName[m.Name] = append(rowsByName[m.Name], m)
	}

	out := make([]MedicineCompliance, 0, len(rowsByName))
	for name, rows := range rowsByName {
		taken := 0
		for _, m := range rows {
			taken += takenByMedicine[m.ID]
		}
		expected := elapsedDays * len(rows)
		pct := 0.0
		if expected > 0 {
			pct = math.Round(float64(taken)*100*100/float64(expected)) / 100
			if pct > 100 {
				pct = 100
			}
		}
		out = append(out, MedicineCompliance{
			MedicineName:  name,
			DosesPerDay:   len(rows),
			ExpectedDoses: expected,
			TakenDoses:    taken,
			Percentage:    pct,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MedicineName < out[j].MedicineName })
	return out, nil
}
