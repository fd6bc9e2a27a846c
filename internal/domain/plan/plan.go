// Package plan implements the treatment plan aggregate and its lifecycle.
package plan

import (
	"strings"
	"time"
)

// Status represents treatment plan lifecycle status
type Status string

const (
	StatusCreated   Status = "created"
	StatusClaimed   Status = "claimed"
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no transition leaves this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired
}

// TimeOfDay is one of the four dosage slots of a day.
type TimeOfDay string

const (
	Morning   TimeOfDay = "morning"
	Noon      TimeOfDay = "noon"
	Afternoon TimeOfDay = "afternoon"
	Evening   TimeOfDay = "evening"
)

// SlotOrder lists the slots in display order.
var SlotOrder = []TimeOfDay{Morning, Noon, Afternoon, Evening}

// Party identifies which side of the plan is acting.
type Party string

const (
	PartyPharmacist Party = "pharmacist"
	PartyPatient    Party = "patient"
)

const (
	// TokenLength is the length of the claim token (Number).
	TokenLength = 16
	// ClaimWindow is how long an unclaimed plan stays claimable.
	ClaimWindow = 30 * 24 * time.Hour
	// AdviceMaxLen bounds the free-text advice supplied at creation.
	AdviceMaxLen = 2000
	// EntryTextMaxLen bounds a single conversation entry.
	EntryTextMaxLen = 500
)

// Medicine is one (medicine, time-of-day) dosage row of a plan.
// Rows are written once at plan creation and never edited.
type Medicine struct {
	ID        string
	PlanID    string
	Name      string
	Dosage    string
	TimeOfDay TimeOfDay
}

// TakenConfirmation records that a dosage row was taken at a timestamp.
// At most one exists per (medicine row, calendar day); toggling off deletes it.
type TakenConfirmation struct {
	ID         string
	MedicineID string
	PlanID     string
	PatientID  string
	TakenAt    time.Time
}

// TreatmentPlan is the aggregate root for the plan lifecycle.
type TreatmentPlan struct {
	ID            string
	Number        string
	Status        Status
	PharmacistID  string
	PatientID     string
	AdviceText    string
	DateCreated   time.Time
	DateStarted   *time.Time
	DateCompleted *time.Time
	Medicines     []*Medicine
	Review        *Review
}

// DateOnly truncates a timestamp to its UTC calendar date.
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Claim transitions the plan to claimed on behalf of patientID.
// Re-claiming by the same patient is a no-op success. Expiry is evaluated
// lazily here: a stale unclaimed plan flips to expired and the caller must
// persist that status even though the claim itself failed.
func (p *TreatmentPlan) Claim(patientID string, now time.Time) error {
	if p.Status == StatusExpired {
		// Terminal; for claiming purposes the plan no longer exists.
		return ErrNotFound
	}
	if p.PatientID != "" {
		if p.PatientID == patientID {
			return nil
		}
		return ErrAlreadyUsedByOther
	}
	if p.Status != StatusCreated {
		return ErrAlreadyClaimed
	}
	if p.DateCreated.Add(ClaimWindow).Before(now) {
		p.Status = StatusExpired
		return ErrExpired
	}
	p.PatientID = patientID
	p.Status = StatusClaimed
	return nil
}

// Start records the treatment window and transitions to started.
// Only the date portions of both bounds are kept.
func (p *TreatmentPlan) Start(patientID string, dateStarted, dateCompleted, now time.Time) error {
	// An unclaimed plan has no patient; a blank caller must not match it.
	if patientID == "" || p.PatientID != patientID {
		return ErrForbidden
	}
	start := DateOnly(dateStarted)
	end := DateOnly(dateCompleted)
	if start.Before(DateOnly(now)) {
		return ErrInvalidDate
	}
	if !end.After(start) {
		return ErrInvalidDate
	}
	if p.Status.Terminal() {
		return ErrInvalidState
	}
	p.DateStarted = &start
	p.DateCompleted = &end
	p.Status = StatusStarted
	return nil
}

// Complete closes the plan with a final conversation entry from author.
// This is the only transition that both appends to the thread and advances
// the lifecycle: closing advice doubles as the completion trigger.
func (p *TreatmentPlan) Complete(author Party, text string, now time.Time) error {
	if p.Status.Terminal() {
		return ErrInvalidState
	}
	entry, err := newEntry(author, text, now)
	if err != nil {
		return err
	}
	p.appendEntry(entry)
	p.Status = StatusCompleted
	return nil
}

// AddEntry appends a conversation entry without touching lifecycle state.
func (p *TreatmentPlan) AddEntry(author Party, text string, now time.Time) error {
	entry, err := newEntry(author, text, now)
	if err != nil {
		return err
	}
	p.appendEntry(entry)
	return nil
}

// MarkSeen clears the unread flag for the reading party.
func (p *TreatmentPlan) MarkSeen(reader Party) {
	if p.Review == nil {
		return
	}
	switch reader {
	case PartyPharmacist:
		p.Review.UnreadForPharmacist = false
	case PartyPatient:
		p.Review.UnreadForPatient = false
	}
}

func (p *TreatmentPlan) appendEntry(e *ReviewEntry) {
	if p.Review == nil {
		p.Review = &Review{PlanID: p.ID}
	}
	p.Review.Entries = append(p.Review.Entries, e)
	switch e.Author {
	case PartyPharmacist:
		p.Review.UnreadForPatient = true
	case PartyPatient:
		p.Review.UnreadForPharmacist = true
	}
}

// ActiveOn reports whether date falls inside the inclusive treatment window.
func (p *TreatmentPlan) ActiveOn(date time.Time) bool {
	if p.DateStarted == nil || p.DateCompleted == nil {
		return false
	}
	d := DateOnly(date)
	return !p.DateStarted.After(d) && !p.DateCompleted.Before(d)
}

// MedicineInput is one medicine line of a create request, pre-expansion.
type MedicineInput struct {
	Name      string
	Dosage    string
	Frequency Frequency
}

// BuildAdviceText renders the denormalized advice summary stored on the plan:
// one "{name} - {dosage} {frequency words}." line per medicine, then the free
// advice text if present.
func BuildAdviceText(medicines []MedicineInput, advice string) string {
	var b strings.Builder
	for i, m := range medicines {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.Name)
		b.WriteString(" - ")
		b.WriteString(m.Dosage)
		b.WriteString(" ")
		b.WriteString(m.Frequency.Words())
		b.WriteString(".")
	}
	if advice != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(advice)
	}
	return b.String()
}
