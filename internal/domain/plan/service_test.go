package plan_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/apotheca/go-tpc/internal/domain/plan"
	"github.com/apotheca/go-tpc/internal/infrastructure/memory"
)

var day0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*plan.Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	svc := plan.NewService(store, nil, nil)
	svc.Now = func() time.Time { return day0 }
	return svc, store
}

func createPlan(t *testing.T, svc *plan.Service) *plan.TreatmentPlan {
	t.Helper()
	p, err := svc.Create(context.Background(), plan.CreateInput{
		PharmacistID: "ph-1",
		Medicines: []plan.MedicineInput{
			{Name: "Paracetamol", Dosage: "1 tablet", Frequency: plan.TwiceDaily},
		},
		Advice: "Rest well",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return p
}

func TestCreate(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	p := createPlan(t, svc)
	if len(p.Number) != plan.TokenLength {
		t.Errorf("number length = %d, want %d", len(p.Number), plan.TokenLength)
	}
	if p.Status != plan.StatusCreated {
		t.Errorf("status = %s, want %s", p.Status, plan.StatusCreated)
	}
	if len(p.Medicines) != 2 {
		t.Fatalf("medicine rows = %d, want 2 (twice-daily expands to morning+evening)", len(p.Medicines))
	}
	if p.Medicines[0].TimeOfDay != plan.Morning || p.Medicines[1].TimeOfDay != plan.Evening {
		t.Errorf("slots = %s,%s, want morning,evening",
			p.Medicines[0].TimeOfDay, p.Medicines[1].TimeOfDay)
	}
	if want := "Paracetamol - 1 tablet twice daily.\nRest well"; p.AdviceText != want {
		t.Errorf("advice = %q, want %q", p.AdviceText, want)
	}

	second := createPlan(t, svc)
	if second.Number == p.Number {
		t.Error("two plans share a claim token")
	}

	_, err := svc.Create(ctx, plan.CreateInput{PharmacistID: "ph-1"})
	if !plan.IsValidation(err) {
		t.Errorf("Create() without medicines error = %v, want validation error", err)
	}

	_, err = svc.Create(ctx, plan.CreateInput{
		PharmacistID: "ph-1",
		Medicines:    []plan.MedicineInput{{Name: "X", Dosage: "1", Frequency: plan.Frequency("hourly")}},
	})
	if !plan.IsValidation(err) {
		t.Errorf("Create() with bad frequency error = %v, want validation error", err)
	}
}

func TestCreateRetriesOnTokenCollision(t *testing.T) {
	svc, _ := newService(t)
	first := createPlan(t, svc)

	numbers := []string{first.Number, "FRESHTOKEN123456"}
	svc.NewNumber = func() (string, error) {
		n := numbers[0]
		if len(numbers) > 1 {
			numbers = numbers[1:]
		}
		return n, nil
	}

	p := createPlan(t, svc)
	if p.Number != "FRESHTOKEN123456" {
		t.Errorf("number = %s, want regenerated token", p.Number)
	}
}

func TestClaimLifecycle(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p := createPlan(t, svc)

	claimed, err := svc.Claim(ctx, p.Number, "pat-1")
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed.Status != plan.StatusClaimed || claimed.PatientID != "pat-1" {
		t.Errorf("claimed = (%s,%s), want (claimed,pat-1)", claimed.Status, claimed.PatientID)
	}

	// Same patient again: idempotent.
	if _, err := svc.Claim(ctx, p.Number, "pat-1"); err != nil {
		t.Fatalf("re-Claim() error = %v", err)
	}

	// Different patient: conflict.
	if _, err := svc.Claim(ctx, p.Number, "pat-2"); !errors.Is(err, plan.ErrAlreadyUsedByOther) {
		t.Errorf("Claim() by other error = %v, want ErrAlreadyUsedByOther", err)
	}

	// Unknown token.
	if _, err := svc.Claim(ctx, "NO-SUCH-TOKEN", "pat-1"); !errors.Is(err, plan.ErrNotFound) {
		t.Errorf("Claim() unknown error = %v, want ErrNotFound", err)
	}

	// Blank patient.
	if _, err := svc.Claim(ctx, p.Number, " "); !plan.IsValidation(err) {
		t.Errorf("Claim() blank patient error = %v, want validation error", err)
	}
}

func TestClaimExpiryIsLazyAndPersisted(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	p := createPlan(t, svc)

	svc.Now = func() time.Time { return day0.Add(plan.ClaimWindow + time.Hour) }

	if _, err := svc.Claim(ctx, p.Number, "pat-1"); !errors.Is(err, plan.ErrExpired) {
		t.Fatalf("Claim() error = %v, want ErrExpired", err)
	}

	stored, err := store.PlanByNumber(ctx, p.Number)
	if err != nil {
		t.Fatalf("PlanByNumber() error = %v", err)
	}
	if stored.Status != plan.StatusExpired {
		t.Errorf("persisted status = %s, want %s", stored.Status, plan.StatusExpired)
	}

	// Once expired the plan behaves as gone for claiming.
	if _, err := svc.Claim(ctx, p.Number, "pat-1"); !errors.Is(err, plan.ErrNotFound) {
		t.Errorf("Claim() after expiry error = %v, want ErrNotFound", err)
	}
}

func TestStartValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p := createPlan(t, svc)
	if _, err := svc.Claim(ctx, p.Number, "pat-1"); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	if _, err := svc.Start(ctx, p.Number, "pat-2", day0, day0.AddDate(0, 0, 7)); !errors.Is(err, plan.ErrForbidden) {
		t.Errorf("Start() by non-owner error = %v, want ErrForbidden", err)
	}
	if _, err := svc.Start(ctx, p.Number, "pat-1", day0.AddDate(0, 0, -1), day0.AddDate(0, 0, 7)); !errors.Is(err, plan.ErrInvalidDate) {
		t.Errorf("Start() in the past error = %v, want ErrInvalidDate", err)
	}

	started, err := svc.Start(ctx, p.Number, "pat-1", day0, day0.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if started.Status != plan.StatusStarted {
		t.Errorf("status = %s, want %s", started.Status, plan.StatusStarted)
	}
}

func TestBlankCallerCannotActOnUnclaimedPlan(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p := createPlan(t, svc)

	// An unclaimed plan has an empty PatientID; a blank caller id must not
	// match it and drive the plan past the claim transition.
	if _, err := svc.Start(ctx, p.Number, "", day0, day0.AddDate(0, 0, 7)); !errors.Is(err, plan.ErrForbidden) {
		t.Errorf("Start() with blank caller error = %v, want ErrForbidden", err)
	}
	if _, err := svc.Get(ctx, p.Number, "", plan.PartyPatient); !errors.Is(err, plan.ErrForbidden) {
		t.Errorf("Get() with blank caller error = %v, want ErrForbidden", err)
	}
	if _, err := svc.AddEntry(ctx, p.Number, " ", plan.PartyPatient, "hello"); !errors.Is(err, plan.ErrForbidden) {
		t.Errorf("AddEntry() with blank caller error = %v, want ErrForbidden", err)
	}
	if _, err := svc.Complete(ctx, p.Number, "", plan.PartyPatient, "done"); !errors.Is(err, plan.ErrForbidden) {
		t.Errorf("Complete() with blank caller error = %v, want ErrForbidden", err)
	}

	got, err := svc.Get(ctx, p.Number, "ph-1", plan.PartyPharmacist)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != plan.StatusCreated {
		t.Errorf("status = %s, want %s untouched", got.Status, plan.StatusCreated)
	}
}

func TestThreadAndUnreadFlags(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p := createPlan(t, svc)
	if _, err := svc.Claim(ctx, p.Number, "pat-1"); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	// Patient writes; pharmacist has it unread.
	updated, err := svc.AddEntry(ctx, p.Number, "pat-1", plan.PartyPatient, "is drowsiness normal?")
	if err != nil {
		t.Fatalf("AddEntry() error = %v", err)
	}
	if !updated.Review.UnreadForPharmacist {
		t.Error("expected unread flag for pharmacist")
	}

	// A stranger cannot post.
	if _, err := svc.AddEntry(ctx, p.Number, "pat-9", plan.PartyPatient, "hello"); !errors.Is(err, plan.ErrForbidden) {
		t.Errorf("AddEntry() by stranger error = %v, want ErrForbidden", err)
	}

	// Pharmacist reads the plan; the flag clears.
	got, err := svc.Get(ctx, p.Number, "ph-1", plan.PartyPharmacist)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Review.UnreadForPharmacist {
		t.Error("viewing should clear the reader's unread flag")
	}
	refetched, err := svc.Get(ctx, p.Number, "ph-1", plan.PartyPharmacist)
	if err != nil {
		t.Fatalf("Get() again error = %v", err)
	}
	if refetched.Review.UnreadForPharmacist {
		t.Error("cleared flag should persist")
	}
	if len(refetched.Review.Entries) != 1 {
		t.Errorf("entries = %d, want 1", len(refetched.Review.Entries))
	}

	// Completing posts the closing entry and flips the patient flag.
	done, err := svc.Complete(ctx, p.Number, "ph-1", plan.PartyPharmacist, "Treatment finished, all good.")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if done.Status != plan.StatusCompleted {
		t.Errorf("status = %s, want %s", done.Status, plan.StatusCompleted)
	}
	if !done.Review.UnreadForPatient {
		t.Error("closing entry should flag patient unread")
	}
	if len(done.Review.Entries) != 2 {
		t.Errorf("entries = %d, want 2", len(done.Review.Entries))
	}
}

func TestListFiltersAndPaginates(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		svc.Now = func() time.Time { return day0.Add(time.Duration(i) * time.Hour) }
		createPlan(t, svc)
	}
	other, err := svc.Create(ctx, plan.CreateInput{
		PharmacistID: "ph-2",
		Medicines:    []plan.MedicineInput{{Name: "Ibuprofen", Dosage: "200mg", Frequency: plan.OnceMorning}},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	plans, total, err := svc.List(ctx, plan.ListFilter{PharmacistID: "ph-1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 3 || len(plans) != 3 {
		t.Errorf("ph-1 list = (%d,%d), want (3,3)", len(plans), total)
	}

	plans, total, err = svc.List(ctx, plan.ListFilter{Search: "ibuprofen"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 1 || plans[0].Number != other.Number {
		t.Errorf("search hit = %d results, want the ibuprofen plan", total)
	}

	plans, total, err = svc.List(ctx, plan.ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 4 || len(plans) != 2 {
		t.Errorf("paged list = (%d,%d), want (2,4)", len(plans), total)
	}
}

func TestRemove(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p := createPlan(t, svc)

	if err := svc.Remove(ctx, p.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := svc.Get(ctx, p.Number, "ph-1", plan.PartyPharmacist); !errors.Is(err, plan.ErrNotFound) {
		t.Errorf("Get() after removal error = %v, want ErrNotFound", err)
	}
	if err := svc.Remove(ctx, p.ID); !errors.Is(err, plan.ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

type denyAll struct{}

func (denyAll) Allow(_ context.Context, userID string, action plan.Action) error {
	return plan.ErrForbidden
}

func TestAuthorizerIsConsulted(t *testing.T) {
	store := memory.NewStore()
	svc := plan.NewService(store, denyAll{}, nil)
	svc.Now = func() time.Time { return day0 }

	_, err := svc.Create(context.Background(), plan.CreateInput{
		PharmacistID: "ph-1",
		Medicines:    []plan.MedicineInput{{Name: "X", Dosage: "1", Frequency: plan.OnceMorning}},
	})
	if !errors.Is(err, plan.ErrForbidden) {
		t.Errorf("Create() error = %v, want ErrForbidden", err)
	}
}

func TestValidationAccumulatesProblems(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Create(context.Background(), plan.CreateInput{
		PharmacistID: " ",
		Medicines:    []plan.MedicineInput{{Name: "", Dosage: "", Frequency: plan.Frequency("bad")}},
	})
	var ve *plan.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Create() error = %v, want ValidationError", err)
	}
	if len(ve.Problems) < 4 {
		t.Errorf("problems = %d (%s), want all four reported at once",
			len(ve.Problems), strings.Join(ve.Problems, "; "))
	}
}
