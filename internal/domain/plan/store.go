package plan

import (
	"context"
	"errors"
)

// ErrDuplicateNumber is returned by CreatePlan when the generated claim token
// collides with an existing plan; the caller regenerates and retries.
var ErrDuplicateNumber = errors.New("plan number already exists")

// ListFilter narrows and pages a plan listing.
type ListFilter struct {
	// Search matches case-insensitively against the advice text.
	Search string
	// PharmacistID / PatientID restrict by owning party when non-empty.
	PharmacistID string
	PatientID    string
	// Status restricts by lifecycle status when non-empty.
	Status Status
	Limit  int
	Offset int
}

// Store is the persistence port for treatment plans. Implementations load the
// full aggregate (medicines, review thread) and persist explicit mutations;
// there is no change tracking.
type Store interface {
	// CreatePlan inserts the plan and its medicine rows atomically. A failed
	// create leaves nothing behind.
	CreatePlan(ctx context.Context, p *TreatmentPlan) error
	// PlanByNumber loads the full aggregate by claim token.
	PlanByNumber(ctx context.Context, number string) (*TreatmentPlan, error)
	// PlanByID loads the full aggregate by store id.
	PlanByID(ctx context.Context, id string) (*TreatmentPlan, error)
	// UpdatePlan persists the plan's mutable fields (status, patient, dates)
	// together with any review thread changes in one transaction. Review
	// entries without an assigned ID are inserted and given one.
	UpdatePlan(ctx context.Context, p *TreatmentPlan) error
	// ClaimPlan conditionally assigns the patient: the write succeeds only if
	// the plan is unclaimed or already claimed by the same patient. Racing
	// claimants are serialized here; the loser sees claimed=false.
	ClaimPlan(ctx context.Context, number, patientID string) (claimed bool, err error)
	// ListPlans returns a filtered page of plans plus the total match count.
	ListPlans(ctx context.Context, f ListFilter) ([]*TreatmentPlan, int, error)
	// DeletePlan removes a plan and cascades to its medicines, confirmations
	// and review thread.
	DeletePlan(ctx context.Context, id string) error
}

// Action names a capability checked before an operation runs.
type Action string

const (
	// ActionPrescribe is required to create plans.
	ActionPrescribe Action = "prescribe"
	// ActionParticipate is required to post on a plan's thread.
	ActionParticipate Action = "participate"
)

// Authorizer answers capability checks for a user. Implementations typically
// consult the external identity service; the lifecycle logic itself stores
// role-free party ids and never compares role strings.
type Authorizer interface {
	Allow(ctx context.Context, userID string, action Action) error
}

// AllowAll authorizes every action. Used in tests and trusted deployments.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, string, Action) error { return nil }
