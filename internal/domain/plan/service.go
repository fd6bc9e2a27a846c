package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/apotheca/go-tpc/pkg/token"
)

// tokenAttempts bounds claim-token regeneration on store collisions.
const tokenAttempts = 5

// Service is the plan lifecycle manager. All operations are short-lived,
// single-aggregate transactions against the store; expiry is evaluated lazily
// on claim attempts, never by a background sweep.
type Service struct {
	store  Store
	auth   Authorizer
	logger *zap.Logger

	// Now and NewNumber are replaceable for tests.
	Now       func() time.Time
	NewNumber func() (string, error)
}

// NewService creates a lifecycle service.
func NewService(store Store, auth Authorizer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auth == nil {
		auth = AllowAll{}
	}
	return &Service{
		store:     store,
		auth:      auth,
		logger:    logger,
		Now:       func() time.Time { return time.Now().UTC() },
		NewNumber: func() (string, error) { return token.New(TokenLength) },
	}
}

// CreateInput carries a pharmacist's create-plan request.
type CreateInput struct {
	PharmacistID string
	Medicines    []MedicineInput
	Advice       string
}

func (in *CreateInput) validate() error {
	ve := &ValidationError{}
	if strings.TrimSpace(in.PharmacistID) == "" {
		ve.add("pharmacist id must not be blank")
	}
	if len(in.Medicines) == 0 {
		ve.add("at least one medicine is required")
	}
	for i, m := range in.Medicines {
		if strings.TrimSpace(m.Name) == "" {
			ve.add(fmt.Sprintf("medicine %d: name must not be blank", i+1))
		}
		if strings.TrimSpace(m.Dosage) == "" {
			ve.add(fmt.Sprintf("medicine %d: dosage must not be blank", i+1))
		}
		if !m.Frequency.Valid() {
			ve.add(fmt.Sprintf("medicine %d: unsupported frequency %q", i+1, m.Frequency))
		}
	}
	if len(in.Advice) > AdviceMaxLen {
		ve.add("advice exceeds maximum length")
	}
	return ve.orNil()
}

// Create builds a new plan: expands each medicine into its dosage rows,
// generates a unique claim token and persists plan plus rows atomically.
func (s *Service) Create(ctx context.Context, in CreateInput) (*TreatmentPlan, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if err := s.auth.Allow(ctx, in.PharmacistID, ActionPrescribe); err != nil {
		return nil, err
	}

	p := &TreatmentPlan{
		Status:       StatusCreated,
		PharmacistID: in.PharmacistID,
		AdviceText:   BuildAdviceText(in.Medicines, in.Advice),
		DateCreated:  s.Now(),
	}
	for _, m := range in.Medicines {
		for _, slot := range m.Frequency.Expand() {
			p.Medicines = append(p.Medicines, &Medicine{
				Name:      m.Name,
				Dosage:    m.Dosage,
				TimeOfDay: slot,
			})
		}
	}

	for attempt := 0; attempt < tokenAttempts; attempt++ {
		number, err := s.NewNumber()
		if err != nil {
			return nil, fmt.Errorf("generate plan number: %w", err)
		}
		p.Number = number

		err = s.store.CreatePlan(ctx, p)
		if err == nil {
			s.logger.Info("treatment plan created",
				zap.String("plan_id", p.ID),
				zap.String("pharmacist_id", p.PharmacistID),
				zap.Int("medicine_rows", len(p.Medicines)))
			return p, nil
		}
		if !errors.Is(err, ErrDuplicateNumber) {
			return nil, fmt.Errorf("create plan: %w", err)
		}
		s.logger.Warn("plan number collision, regenerating", zap.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("create plan: token collisions exhausted %d attempts", tokenAttempts)
}

// Claim redeems a claim token for a patient. Re-claiming by the same patient
// is an idempotent success. An unclaimed plan past its validity window flips
// to expired, and that status is committed even though the claim fails.
func (s *Service) Claim(ctx context.Context, number, patientID string) (*TreatmentPlan, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, &ValidationError{Problems: []string{"patient id must not be blank"}}
	}
	p, err := s.store.PlanByNumber(ctx, number)
	if err != nil {
		return nil, err
	}

	wasUnclaimed := p.PatientID == ""
	if err := p.Claim(patientID, s.Now()); err != nil {
		if errors.Is(err, ErrExpired) {
			// Recording the expiry is part of the claim contract.
			if uerr := s.store.UpdatePlan(ctx, p); uerr != nil {
				s.logger.Error("failed to persist expiry", zap.String("plan_id", p.ID), zap.Error(uerr))
			} else {
				s.logger.Info("treatment plan expired", zap.String("plan_id", p.ID))
			}
		}
		return nil, err
	}
	if !wasUnclaimed {
		// Idempotent re-claim by the same patient; nothing to write.
		return p, nil
	}

	claimed, err := s.store.ClaimPlan(ctx, number, patientID)
	if err != nil {
		return nil, fmt.Errorf("claim plan: %w", err)
	}
	if !claimed {
		// Lost the race; at most one non-matching patient ever becomes
		// permanent, so re-read to report the conflict.
		fresh, rerr := s.store.PlanByNumber(ctx, number)
		if rerr == nil && fresh.PatientID == patientID {
			return fresh, nil
		}
		return nil, ErrAlreadyUsedByOther
	}

	s.logger.Info("treatment plan claimed",
		zap.String("plan_id", p.ID),
		zap.String("patient_id", patientID))
	return p, nil
}

// Start records the treatment window chosen by the owning patient.
func (s *Service) Start(ctx context.Context, number, patientID string, dateStarted, dateCompleted time.Time) (*TreatmentPlan, error) {
	p, err := s.store.PlanByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if err := p.Start(patientID, dateStarted, dateCompleted, s.Now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePlan(ctx, p); err != nil {
		return nil, fmt.Errorf("start plan: %w", err)
	}
	s.logger.Info("treatment plan started",
		zap.String("plan_id", p.ID),
		zap.Time("date_started", *p.DateStarted),
		zap.Time("date_completed", *p.DateCompleted))
	return p, nil
}

// Complete closes the plan with author's final thread entry.
func (s *Service) Complete(ctx context.Context, number, userID string, author Party, text string) (*TreatmentPlan, error) {
	p, err := s.loadOwned(ctx, number, userID, author)
	if err != nil {
		return nil, err
	}
	if err := p.Complete(author, text, s.Now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePlan(ctx, p); err != nil {
		return nil, fmt.Errorf("complete plan: %w", err)
	}
	s.logger.Info("treatment plan completed",
		zap.String("plan_id", p.ID),
		zap.String("author", string(author)))
	return p, nil
}

// AddEntry appends a conversation entry and flags it unread for the other
// party. The thread is created lazily on the first entry.
func (s *Service) AddEntry(ctx context.Context, number, userID string, author Party, text string) (*TreatmentPlan, error) {
	if err := s.auth.Allow(ctx, userID, ActionParticipate); err != nil {
		return nil, err
	}
	p, err := s.loadOwned(ctx, number, userID, author)
	if err != nil {
		return nil, err
	}
	if err := p.AddEntry(author, text, s.Now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePlan(ctx, p); err != nil {
		return nil, fmt.Errorf("add entry: %w", err)
	}
	return p, nil
}

// Get loads a plan for the given party and, as a side effect of viewing,
// clears that party's unread flag.
func (s *Service) Get(ctx context.Context, number, userID string, reader Party) (*TreatmentPlan, error) {
	p, err := s.loadOwned(ctx, number, userID, reader)
	if err != nil {
		return nil, err
	}
	unread := p.Review != nil &&
		((reader == PartyPharmacist && p.Review.UnreadForPharmacist) ||
			(reader == PartyPatient && p.Review.UnreadForPatient))
	if unread {
		p.MarkSeen(reader)
		if err := s.store.UpdatePlan(ctx, p); err != nil {
			s.logger.Error("failed to clear unread flag", zap.String("plan_id", p.ID), zap.Error(err))
		}
	}
	return p, nil
}

// List returns a filtered, paginated page of plans plus the total count.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*TreatmentPlan, int, error) {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.ListPlans(ctx, f)
}

// Remove is the administrative removal: the plan and everything hanging off
// it (medicine rows, confirmations, thread) are deleted.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.store.DeletePlan(ctx, id); err != nil {
		return err
	}
	s.logger.Info("treatment plan removed", zap.String("plan_id", id))
	return nil
}

func (s *Service) loadOwned(ctx context.Context, number, userID string, party Party) (*TreatmentPlan, error) {
	// A blank caller id would match the empty PatientID of an unclaimed plan.
	if strings.TrimSpace(userID) == "" {
		return nil, ErrForbidden
	}
	p, err := s.store.PlanByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	switch party {
	case PartyPharmacist:
		if p.PharmacistID != userID {
			return nil, ErrForbidden
		}
	case PartyPatient:
		if p.PatientID != userID {
			return nil, ErrForbidden
		}
	default:
		return nil, &ValidationError{Problems: []string{"party must be pharmacist or patient"}}
	}
	return p, nil
}
