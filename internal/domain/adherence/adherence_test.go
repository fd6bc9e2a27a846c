package adherence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apotheca/go-tpc/internal/domain/adherence"
	"github.com/apotheca/go-tpc/internal/domain/plan"
	"github.com/apotheca/go-tpc/internal/domain/schedule"
	"github.com/apotheca/go-tpc/internal/infrastructure/memory"
)

var day0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func startedPlan(t *testing.T, store *memory.Store, medicines []plan.MedicineInput) *plan.TreatmentPlan {
	t.Helper()
	svc := plan.NewService(store, nil, nil)
	svc.Now = func() time.Time { return day0 }

	p, err := svc.Create(context.Background(), plan.CreateInput{
		PharmacistID: "ph-1",
		Medicines:    medicines,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := svc.Claim(context.Background(), p.Number, "pat-1"); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	p, err = svc.Start(context.Background(), p.Number, "pat-1", day0, day0.AddDate(0, 0, 14))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return p
}

func confirm(t *testing.T, store *memory.Store, medID string, at time.Time) {
	t.Helper()
	svc := schedule.NewService(store, nil)
	svc.Now = func() time.Time { return at }
	if err := svc.ToggleTaken(context.Background(), "pat-1", medID, at, true); err != nil {
		t.Fatalf("ToggleTaken() error = %v", err)
	}
}

func TestComputeComplianceHalf(t *testing.T) {
	store := memory.NewStore()
	p := startedPlan(t, store, []plan.MedicineInput{
		{Name: "Paracetamol", Dosage: "1 tablet", Frequency: plan.TwiceDaily},
	})

	// Both day-0 doses taken, nothing on day 1.
	for _, m := range p.Medicines {
		confirm(t, store, m.ID, day0)
	}

	svc := adherence.NewService(store, nil)
	svc.Now = func() time.Time { return day0.AddDate(0, 0, 1) }

	report, err := svc.ComputeCompliance(context.Background(), p.Number)
	if err != nil {
		t.Fatalf("ComputeCompliance() error = %v", err)
	}
	if len(report) != 1 {
		t.Fatalf("report rows = %d, want 1", len(report))
	}
	row := report[0]
	if row.MedicineName != "Paracetamol" || row.DosesPerDay != 2 {
		t.Errorf("row = %+v, want Paracetamol at 2 doses/day", row)
	}
	if row.ExpectedDoses != 4 || row.TakenDoses != 2 {
		t.Errorf("doses = %d/%d, want 2/4", row.TakenDoses, row.ExpectedDoses)
	}
	if row.Percentage != 50.00 {
		t.Errorf("percentage = %.2f, want 50.00", row.Percentage)
	}
}

func TestComputeComplianceRoundsAndSorts(t *testing.T) {
	store := memory.NewStore()
	p := startedPlan(t, store, []plan.MedicineInput{
		{Name: "Zincovit", Dosage: "1 tablet", Frequency: plan.ThreeTimesDaily},
		{Name: "Amoxicillin", Dosage: "500mg", Frequency: plan.OnceMorning},
	})

	// One of three Zincovit rows confirmed on day 0.
	for _, m := range p.Medicines {
		if m.Name == "Zincovit" && m.TimeOfDay == plan.Morning {
			confirm(t, store, m.ID, day0)
		}
	}

	svc := adherence.NewService(store, nil)
	svc.Now = func() time.Time { return day0 }

	report, err := svc.ComputeCompliance(context.Background(), p.Number)
	if err != nil {
		t.Fatalf("ComputeCompliance() error = %v", err)
	}
	if len(report) != 2 {
		t.Fatalf("report rows = %d, want 2", len(report))
	}
	// Alphabetical by medicine name.
	if report[0].MedicineName != "Amoxicillin" || report[1].MedicineName != "Zincovit" {
		t.Errorf("order = %s,%s, want Amoxicillin,Zincovit",
			report[0].MedicineName, report[1].MedicineName)
	}
	if report[0].Percentage != 0 {
		t.Errorf("amoxicillin percentage = %.2f, want 0", report[0].Percentage)
	}
	if report[1].Percentage != 33.33 {
		t.Errorf("zincovit percentage = %.2f, want 33.33", report[1].Percentage)
	}
}

func TestComputeComplianceCapsAtHundred(t *testing.T) {
	store := memory.NewStore()
	p := startedPlan(t, store, []plan.MedicineInput{
		{Name: "Paracetamol", Dosage: "1 tablet", Frequency: plan.OnceMorning},
	})
	confirm(t, store, p.Medicines[0].ID, day0)

	svc := adherence.NewService(store, nil)
	svc.Now = func() time.Time { return day0 }

	report, err := svc.ComputeCompliance(context.Background(), p.Number)
	if err != nil {
		t.Fatalf("ComputeCompliance() error = %v", err)
	}
	if report[0].Percentage != 100.00 {
		t.Errorf("percentage = %.2f, want 100.00", report[0].Percentage)
	}
}

func TestComputeComplianceRequiresStartedPlan(t *testing.T) {
	store := memory.NewStore()
	planSvc := plan.NewService(store, nil, nil)
	planSvc.Now = func() time.Time { return day0 }
	p, err := planSvc.Create(context.Background(), plan.CreateInput{
		PharmacistID: "ph-1",
		Medicines:    []plan.MedicineInput{{Name: "X", Dosage: "1", Frequency: plan.OnceMorning}},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	svc := adherence.NewService(store, nil)
	svc.Now = func() time.Time { return day0 }

	if _, err := svc.ComputeCompliance(context.Background(), p.Number); !errors.Is(err, plan.ErrNotStarted) {
		t.Errorf("ComputeCompliance() error = %v, want ErrNotStarted", err)
	}
	if _, err := svc.ComputeCompliance(context.Background(), "NO-SUCH"); !errors.Is(err, plan.ErrNotFound) {
		t.Errorf("ComputeCompliance() unknown error = %v, want ErrNotFound", err)
	}
}
