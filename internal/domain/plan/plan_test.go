package plan

import (
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newCreatedPlan() *TreatmentPlan {
	return &TreatmentPlan{
		ID:           "plan-1",
		Number:       "ABCD1234EFGH5678",
		Status:       StatusCreated,
		PharmacistID: "ph-1",
		DateCreated:  testNow,
	}
}

func TestClaimTransitions(t *testing.T) {
	t.Run("fresh claim succeeds", func(t *testing.T) {
		p := newCreatedPlan()
		if err := p.Claim("pat-1", testNow.Add(24*time.Hour)); err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
		if p.Status != StatusClaimed {
			t.Errorf("status = %s, want %s", p.Status, StatusClaimed)
		}
		if p.PatientID != "pat-1" {
			t.Errorf("patient = %s, want pat-1", p.PatientID)
		}
	})

	t.Run("re-claim by same patient is a no-op success", func(t *testing.T) {
		p := newCreatedPlan()
		if err := p.Claim("pat-1", testNow); err != nil {
			t.Fatalf("first Claim() error = %v", err)
		}
		if err := p.Claim("pat-1", testNow.Add(time.Hour)); err != nil {
			t.Fatalf("second Claim() error = %v", err)
		}
		if p.Status != StatusClaimed {
			t.Errorf("status = %s, want %s", p.Status, StatusClaimed)
		}
	})

	t.Run("claim by another patient fails", func(t *testing.T) {
		p := newCreatedPlan()
		if err := p.Claim("pat-1", testNow); err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
		if err := p.Claim("pat-2", testNow); !errors.Is(err, ErrAlreadyUsedByOther) {
			t.Errorf("Claim() error = %v, want ErrAlreadyUsedByOther", err)
		}
		if p.PatientID != "pat-1" {
			t.Errorf("patient = %s, want pat-1", p.PatientID)
		}
	})

	t.Run("claim inside window on the last day succeeds", func(t *testing.T) {
		p := newCreatedPlan()
		if err := p.Claim("pat-1", testNow.Add(ClaimWindow)); err != nil {
			t.Fatalf("Claim() at window boundary error = %v", err)
		}
	})

	t.Run("claim past the window expires the plan", func(t *testing.T) {
		p := newCreatedPlan()
		err := p.Claim("pat-1", testNow.Add(ClaimWindow+time.Second))
		if !errors.Is(err, ErrExpired) {
			t.Fatalf("Claim() error = %v, want ErrExpired", err)
		}
		if p.Status != StatusExpired {
			t.Errorf("status = %s, want %s", p.Status, StatusExpired)
		}
		if p.PatientID != "" {
			t.Errorf("patient = %s, want empty", p.PatientID)
		}
	})

	t.Run("claiming an expired plan reports not found", func(t *testing.T) {
		p := newCreatedPlan()
		p.Status = StatusExpired
		if err := p.Claim("pat-1", testNow); !errors.Is(err, ErrNotFound) {
			t.Errorf("Claim() error = %v, want ErrNotFound", err)
		}
	})
}

func TestStart(t *testing.T) {
	claimed := func() *TreatmentPlan {
		p := newCreatedPlan()
		if err := p.Claim("pat-1", testNow); err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
		return p
	}

	t.Run("valid window transitions to started", func(t *testing.T) {
		p := claimed()
		start := testNow.AddDate(0, 0, 1)
		end := testNow.AddDate(0, 0, 8)
		if err := p.Start("pat-1", start, end, testNow); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if p.Status != StatusStarted {
			t.Errorf("status = %s, want %s", p.Status, StatusStarted)
		}
		if !p.DateStarted.Equal(DateOnly(start)) {
			t.Errorf("date started = %v, want %v", p.DateStarted, DateOnly(start))
		}
	})

	t.Run("start today is allowed", func(t *testing.T) {
		p := claimed()
		if err := p.Start("pat-1", testNow, testNow.AddDate(0, 0, 7), testNow); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	})

	t.Run("start in the past is rejected", func(t *testing.T) {
		p := claimed()
		err := p.Start("pat-1", testNow.AddDate(0, 0, -1), testNow.AddDate(0, 0, 7), testNow)
		if !errors.Is(err, ErrInvalidDate) {
			t.Errorf("Start() error = %v, want ErrInvalidDate", err)
		}
	})

	t.Run("end must be after start", func(t *testing.T) {
		p := claimed()
		day := testNow.AddDate(0, 0, 2)
		if err := p.Start("pat-1", day, day, testNow); !errors.Is(err, ErrInvalidDate) {
			t.Errorf("Start() same-day error = %v, want ErrInvalidDate", err)
		}
	})

	t.Run("blank caller cannot start an unclaimed plan", func(t *testing.T) {
		p := newCreatedPlan()
		err := p.Start("", testNow, testNow.AddDate(0, 0, 7), testNow)
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("Start() error = %v, want ErrForbidden", err)
		}
		if p.Status != StatusCreated {
			t.Errorf("status = %s, want %s", p.Status, StatusCreated)
		}
	})

	t.Run("non-owner cannot start", func(t *testing.T) {
		p := claimed()
		err := p.Start("pat-2", testNow, testNow.AddDate(0, 0, 7), testNow)
		if !errors.Is(err, ErrForbidden) {
			t.Errorf("Start() error = %v, want ErrForbidden", err)
		}
	})

	t.Run("terminal plan cannot start", func(t *testing.T) {
		p := claimed()
		p.Status = StatusCompleted
		err := p.Start("pat-1", testNow, testNow.AddDate(0, 0, 7), testNow)
		if !errors.Is(err, ErrInvalidState) {
			t.Errorf("Start() error = %v, want ErrInvalidState", err)
		}
	})
}

func TestCompleteAndThread(t *testing.T) {
	t.Run("complete appends entry and closes", func(t *testing.T) {
		p := newCreatedPlan()
		if err := p.Complete(PartyPharmacist, "All done, keep resting.", testNow); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		if p.Status != StatusCompleted {
			t.Errorf("status = %s, want %s", p.Status, StatusCompleted)
		}
		if p.Review == nil || len(p.Review.Entries) != 1 {
			t.Fatalf("review entries = %v, want 1", p.Review)
		}
		if !p.Review.UnreadForPatient {
			t.Error("expected unread flag for patient")
		}
	})

	t.Run("complete twice is invalid", func(t *testing.T) {
		p := newCreatedPlan()
		if err := p.Complete(PartyPharmacist, "done", testNow); err != nil {
			t.Fatalf("Complete() error = %v", err)
		}
		if err := p.Complete(PartyPharmacist, "again", testNow); !errors.Is(err, ErrInvalidState) {
			t.Errorf("second Complete() error = %v, want ErrInvalidState", err)
		}
	})

	t.Run("blank entry is rejected", func(t *testing.T) {
		p := newCreatedPlan()
		err := p.AddEntry(PartyPatient, "   ", testNow)
		if !IsValidation(err) {
			t.Errorf("AddEntry() error = %v, want validation error", err)
		}
	})

	t.Run("overlong entry is rejected", func(t *testing.T) {
		p := newCreatedPlan()
		long := make([]byte, EntryTextMaxLen+1)
		for i := range long {
			long[i] = 'x'
		}
		err := p.AddEntry(PartyPatient, string(long), testNow)
		if !IsValidation(err) {
			t.Errorf("AddEntry() error = %v, want validation error", err)
		}
	})

	t.Run("entries flip the other party's unread flag", func(t *testing.T) {
		p := newCreatedPlan()
		if err := p.AddEntry(PartyPatient, "feeling dizzy", testNow); err != nil {
			t.Fatalf("AddEntry() error = %v", err)
		}
		if !p.Review.UnreadForPharmacist || p.Review.UnreadForPatient {
			t.Errorf("unread flags = (%t,%t), want (true,false)",
				p.Review.UnreadForPharmacist, p.Review.UnreadForPatient)
		}

		p.MarkSeen(PartyPharmacist)
		if p.Review.UnreadForPharmacist {
			t.Error("MarkSeen should clear the pharmacist flag")
		}

		if err := p.AddEntry(PartyPharmacist, "reduce the dose", testNow); err != nil {
			t.Fatalf("AddEntry() error = %v", err)
		}
		if !p.Review.UnreadForPatient {
			t.Error("pharmacist entry should flag patient unread")
		}
	})
}

func TestActiveOn(t *testing.T) {
	p := newCreatedPlan()
	if p.ActiveOn(testNow) {
		t.Error("plan without a window should not be active")
	}
	start := DateOnly(testNow)
	end := DateOnly(testNow.AddDate(0, 0, 7))
	p.DateStarted = &start
	p.DateCompleted = &end

	cases := []struct {
		date time.Time
		want bool
	}{
		{testNow.AddDate(0, 0, -1), false},
		{testNow, true},
		{testNow.AddDate(0, 0, 7), true},
		{testNow.AddDate(0, 0, 8), false},
	}
	for _, tc := range cases {
		if got := p.ActiveOn(tc.date); got != tc.want {
			t.Errorf("ActiveOn(%v) = %t, want %t", tc.date, got, tc.want)
		}
	}
}

func TestFrequencyExpand(t *testing.T) {
	cases := []struct {
		freq Frequency
		want []TimeOfDay
	}{
		{OnceMorning, []TimeOfDay{Morning}},
		{OnceEvening, []TimeOfDay{Evening}},
		{TwiceDaily, []TimeOfDay{Morning, Evening}},
		{ThreeTimesDaily, []TimeOfDay{Morning, Noon, Evening}},
		{FourTimesDaily, []TimeOfDay{Morning, Noon, Afternoon, Evening}},
		{Frequency("hourly"), nil},
	}
	for _, tc := range cases {
		got := tc.freq.Expand()
		if len(got) != len(tc.want) {
			t.Errorf("%s: Expand() = %v, want %v", tc.freq, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("%s: Expand()[%d] = %s, want %s", tc.freq, i, got[i], tc.want[i])
			}
		}
	}

	if Frequency("hourly").Valid() {
		t.Error("unknown frequency should not be valid")
	}
	if !TwiceDaily.Valid() {
		t.Error("twice-daily should be valid")
	}
}

func TestBuildAdviceText(t *testing.T) {
	meds := []MedicineInput{
		{Name: "Paracetamol", Dosage: "1 tablet", Frequency: TwiceDaily},
	}
	got := BuildAdviceText(meds, "Rest well")
	want := "Paracetamol - 1 tablet twice daily.\nRest well"
	if got != want {
		t.Errorf("BuildAdviceText() = %q, want %q", got, want)
	}

	meds = append(meds, MedicineInput{Name: "Ibuprofen", Dosage: "200mg", Frequency: OnceMorning})
	got = BuildAdviceText(meds, "")
	want = "Paracetamol - 1 tablet twice daily.\nIbuprofen - 200mg once daily in the morning."
	if got != want {
		t.Errorf("BuildAdviceText() without advice = %q, want %q", got, want)
	}

	if got := BuildAdviceText(nil, "Only advice"); got != "Only advice" {
		t.Errorf("BuildAdviceText(nil) = %q, want %q", got, "Only advice")
	}
}
