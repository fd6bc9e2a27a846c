// Package postgres provides PostgreSQL persistence for the plan engine.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/apotheca/go-tpc/internal/domain/plan"
	"github.com/apotheca/go-tpc/internal/domain/schedule"
)

const uniqueViolation = "23505"

// Store implements the plan, schedule and adherence persistence ports on
// pgx. Lifecycle transitions write plan.events outbox rows in the same
// transaction as the domain write; the relay publishes them asynchronously.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewStore creates a new store.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

// CreatePlan inserts the plan, its medicine rows and the PlanCreated outbox
// entry in one transaction. A claim-token collision surfaces as
// plan.ErrDuplicateNumber so the caller can regenerate.
func (s *Store) CreatePlan(ctx context.Context, p *plan.TreatmentPlan) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO treatment_plans (number, status, pharmacist_id, advice_text, date_created)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err = tx.QueryRow(ctx, query, p.Number, p.Status, p.PharmacistID, p.AdviceText, p.DateCreated).Scan(&p.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return plan.ErrDuplicateNumber
		}
		return fmt.Errorf("insert plan: %w", err)
	}

	for _, m := range p.Medicines {
		m.PlanID = p.ID
		err = tx.QueryRow(ctx, `
			INSERT INTO plan_medicines (plan_id, name, dosage, time_of_day)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, m.PlanID, m.Name, m.Dosage, m.TimeOfDay).Scan(&m.ID)
		if err != nil {
			return fmt.Errorf("insert medicine row: %w", err)
		}
	}

	if err := writeEvent(ctx, tx, p, EventPlanCreated); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// PlanByNumber loads the full aggregate by claim token.
func (s *Store) PlanByNumber(ctx context.Context, number string) (*plan.TreatmentPlan, error) {
	return s.loadPlan(ctx, "number = $1", number)
}

// PlanByID loads the full aggregate by store id.
func (s *Store) PlanByID(ctx context.Context, id string) (*plan.TreatmentPlan, error) {
	return s.loadPlan(ctx, "id = $1", id)
}

func (s *Store) loadPlan(ctx context.Context, where string, arg any) (*plan.TreatmentPlan, error) {
	query := `
		SELECT id, number, status, pharmacist_id, COALESCE(patient_id, ''),
		       advice_text, date_created, date_started, date_completed
		FROM treatment_plans
		WHERE ` + where

	p := &plan.TreatmentPlan{}
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&p.ID, &p.Number, &p.Status, &p.PharmacistID, &p.PatientID,
		&p.AdviceText, &p.DateCreated, &p.DateStarted, &p.DateCompleted,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, plan.ErrNotFound
		}
		return nil, fmt.Errorf("load plan: %w", err)
	}

	if err := s.loadMedicines(ctx, p); err != nil {
		return nil, err
	}
	if err := s.loadReview(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Store) loadMedicines(ctx context.Context, p *plan.TreatmentPlan) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, plan_id, name, dosage, time_of_day
		FROM plan_medicines
		WHERE plan_id = $1
		ORDER BY name, time_of_day
	`, p.ID)
	if err != nil {
		return fmt.Errorf("load medicines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m := &plan.Medicine{}
		if err := rows.Scan(&m.ID, &m.PlanID, &m.Name, &m.Dosage, &m.TimeOfDay); err != nil {
			return fmt.Errorf("scan medicine: %w", err)
		}
		p.Medicines = append(p.Medicines, m)
	}
	return rows.Err()
}

func (s *Store) loadReview(ctx context.Context, p *plan.TreatmentPlan) error {
	rv := &plan.Review{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, plan_id, unread_for_pharmacist, unread_for_patient
		FROM plan_reviews
		WHERE plan_id = $1
	`, p.ID).Scan(&rv.ID, &rv.PlanID, &rv.UnreadForPharmacist, &rv.UnreadForPatient)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("load review: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, date_created, author, text
		FROM review_entries
		WHERE review_id = $1
		ORDER BY date_created, id
	`, rv.ID)
	if err != nil {
		return fmt.Errorf("load review entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e := &plan.ReviewEntry{}
		if err := rows.Scan(&e.ID, &e.DateCreated, &e.Author, &e.Text); err != nil {
			return fmt.Errorf("scan review entry: %w", err)
		}
		rv.Entries = append(rv.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	p.Review = rv
	return nil
}

// UpdatePlan persists the plan's mutable fields and any review thread changes
// in one transaction, plus a status-change outbox entry.
func (s *Store) UpdatePlan(ctx context.Context, p *plan.TreatmentPlan) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE treatment_plans
		SET status = $1, patient_id = NULLIF($2, ''), date_started = $3, date_completed = $4
		WHERE id = $5
	`, p.Status, p.PatientID, p.DateStarted, p.DateCompleted, p.ID)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return plan.ErrNotFound
	}

	if p.Review != nil {
		if err := saveReview(ctx, tx, p); err != nil {
			return err
		}
	}
	if err := writeEvent(ctx, tx, p, EventPlanStatusChanged); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func saveReview(ctx context.Context, tx pgx.Tx, p *plan.TreatmentPlan) error {
	rv := p.Review
	rv.PlanID = p.ID
	if rv.ID == "" {
		err := tx.QueryRow(ctx, `
			INSERT INTO plan_reviews (plan_id, unread_for_pharmacist, unread_for_patient)
			VALUES ($1, $2, $3)
			ON CONFLICT (plan_id) DO UPDATE
			SET unread_for_pharmacist = $2, unread_for_patient = $3
			RETURNING id
		`, rv.PlanID, rv.UnreadForPharmacist, rv.UnreadForPatient).Scan(&rv.ID)
		if err != nil {
			return fmt.Errorf("upsert review: %w", err)
		}
	} else {
		_, err := tx.Exec(ctx, `
			UPDATE plan_reviews
			SET unread_for_pharmacist = $1, unread_for_patient = $2
			WHERE id = $3
		`, rv.UnreadForPharmacist, rv.UnreadForPatient, rv.ID)
		if err != nil {
			return fmt.Errorf("update review: %w", err)
		}
	}

	for _, e := range rv.Entries {
		if e.ID != "" {
			continue // entries are append-only and immutable
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO review_entries (review_id, date_created, author, text)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, rv.ID, e.DateCreated, e.Author, e.Text).Scan(&e.ID)
		if err != nil {
			return fmt.Errorf("insert review entry: %w", err)
		}
	}
	return nil
}

// ClaimPlan is the serialized write path for racing claims: the conditional
// UPDATE succeeds only for an unclaimed plan or the same patient, so at most
// one non-matching patient id ever becomes permanent.
func (s *Store) ClaimPlan(ctx context.Context, number, patientID string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p := &plan.TreatmentPlan{}
	err = tx.QueryRow(ctx, `
		UPDATE treatment_plans
		SET patient_id = $2, status = $3
		WHERE number = $1
		  AND (patient_id IS NULL OR patient_id = $2)
		RETURNING id, number, status, pharmacist_id, COALESCE(patient_id, '')
	`, number, patientID, plan.StatusClaimed).Scan(
		&p.ID, &p.Number, &p.Status, &p.PharmacistID, &p.PatientID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("claim plan: %w", err)
	}

	if err := writeEvent(ctx, tx, p, EventPlanClaimed); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ListPlans returns a filtered page plus the total match count.
func (s *Store) ListPlans(ctx context.Context, f plan.ListFilter) ([]*plan.TreatmentPlan, int, error) {
	where := "TRUE"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Search != "" {
		where += " AND advice_text ILIKE " + arg("%"+f.Search+"%")
	}
	if f.PharmacistID != "" {
		where += " AND pharmacist_id = " + arg(f.PharmacistID)
	}
	if f.PatientID != "" {
		where += " AND patient_id = " + arg(f.PatientID)
	}
	if f.Status != "" {
		where += " AND status = " + arg(f.Status)
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM treatment_plans WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count plans: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, number, status, pharmacist_id, COALESCE(patient_id, ''),
		       advice_text, date_created, date_started, date_completed
		FROM treatment_plans
		WHERE %s
		ORDER BY date_created DESC, number
		LIMIT %s OFFSET %s
	`, where, arg(f.Limit), arg(f.Offset))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []*plan.TreatmentPlan
	for rows.Next() {
		p := &plan.TreatmentPlan{}
		err := rows.Scan(&p.ID, &p.Number, &p.Status, &p.PharmacistID, &p.PatientID,
			&p.AdviceText, &p.DateCreated, &p.DateStarted, &p.DateCompleted)
		if err != nil {
			return nil, 0, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

// DeletePlan removes the plan; medicine rows, confirmations and the thread go
// with it via ON DELETE CASCADE.
func (s *Store) DeletePlan(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM treatment_plans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return plan.ErrNotFound
	}
	return nil
}

// DueMedicines returns the dosage rows of the patient's plans whose inclusive
// treatment window contains date.
func (s *Store) DueMedicines(ctx context.Context, patientID string, date time.Time) ([]*schedule.DueMedicine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.plan_id, m.name, m.dosage, m.time_of_day, p.number
		FROM plan_medicines m
		JOIN treatment_plans p ON p.id = m.plan_id
		WHERE p.patient_id = $1
		  AND p.date_started IS NOT NULL
		  AND p.date_completed IS NOT NULL
		  AND p.date_started <= $2
		  AND p.date_completed >= $2
	`, patientID, plan.DateOnly(date))
	if err != nil {
		return nil, fmt.Errorf("due medicines: %w", err)
	}
	defer rows.Close()

	var out []*schedule.DueMedicine
	for rows.Next() {
		d := &schedule.DueMedicine{Medicine: &plan.Medicine{}}
		m := d.Medicine
		if err := rows.Scan(&m.ID, &m.PlanID, &m.Name, &m.Dosage, &m.TimeOfDay, &d.PlanNumber); err != nil {
			return nil, fmt.Errorf("scan due medicine: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PatientsWithActivePlans returns the distinct patient ids whose started plans
// are inside their treatment window on date. The reminder scheduler uses it to
// decide who gets a dose reminder that day.
func (s *Store) PatientsWithActivePlans(ctx context.Context, date time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT patient_id
		FROM treatment_plans
		WHERE status = $1
		  AND patient_id IS NOT NULL
		  AND date_started <= $2
		  AND date_completed >= $2
	`, plan.StatusStarted, plan.DateOnly(date))
	if err != nil {
		return nil, fmt.Errorf("active patients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan patient id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MedicineByID loads a dosage row together with its owning plan.
func (s *Store) MedicineByID(ctx context.Context, id string) (*plan.Medicine, *plan.TreatmentPlan, error) {
	m := &plan.Medicine{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, plan_id, name, dosage, time_of_day
		FROM plan_medicines
		WHERE id = $1
	`, id).Scan(&m.ID, &m.PlanID, &m.Name, &m.Dosage, &m.TimeOfDay)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, plan.ErrNotFound
		}
		return nil, nil, fmt.Errorf("load medicine: %w", err)
	}
	p, err := s.PlanByID(ctx, m.PlanID)
	if err != nil {
		return nil, nil, err
	}
	return m, p, nil
}

// TakenMedicineIDs returns ids of the patient's rows confirmed in the window.
func (s *Store) TakenMedicineIDs(ctx context.Context, patientID string, dayStart, dayEnd time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT medicine_id
		FROM taken_confirmations
		WHERE patient_id = $1 AND taken_at >= $2 AND taken_at < $3
	`, patientID, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("taken ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan taken id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConfirmationForDay returns the row's confirmation in the window, or nil.
func (s *Store) ConfirmationForDay(ctx context.Context, medicineID string, dayStart, dayEnd time.Time) (*plan.TakenConfirmation, error) {
	c := &plan.TakenConfirmation{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, medicine_id, plan_id, patient_id, taken_at
		FROM taken_confirmations
		WHERE medicine_id = $1 AND taken_at >= $2 AND taken_at < $3
	`, medicineID, dayStart, dayEnd).Scan(&c.ID, &c.MedicineID, &c.PlanID, &c.PatientID, &c.TakenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("confirmation for day: %w", err)
	}
	return c, nil
}

// InsertConfirmation inserts a confirmation. The unique index on
// (medicine_id, taken_on) makes racing duplicate toggles collapse to one row.
func (s *Store) InsertConfirmation(ctx context.Context, c *plan.TakenConfirmation) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO taken_confirmations (medicine_id, plan_id, patient_id, taken_at, taken_on)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (medicine_id, taken_on) DO NOTHING
		RETURNING id
	`, c.MedicineID, c.PlanID, c.PatientID, c.TakenAt, plan.DateOnly(c.TakenAt)).Scan(&c.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // lost the race to an identical toggle
		}
		return fmt.Errorf("insert confirmation: %w", err)
	}
	return nil
}

// DeleteConfirmations removes any confirmations for the row in the window.
func (s *Store) DeleteConfirmations(ctx context.Context, medicineID string, dayStart, dayEnd time.Time) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM taken_confirmations
		WHERE medicine_id = $1 AND taken_at >= $2 AND taken_at < $3
	`, medicineID, dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("delete confirmations: %w", err)
	}
	return nil
}

// ConfirmationsBetween returns the plan's confirmations within [from, to].
func (s *Store) ConfirmationsBetween(ctx context.Context, planID string, from, to time.Time) ([]*plan.TakenConfirmation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, medicine_id, plan_id, patient_id, taken_at
		FROM taken_confirmations
		WHERE plan_id = $1 AND taken_at >= $2 AND taken_at <= $3
	`, planID, from, to)
	if err != nil {
		return nil, fmt.Errorf("confirmations between: %w", err)
	}
	defer rows.Close()

	var out []*plan.TakenConfirmation
	for rows.Next() {
		c := &plan.TakenConfirmation{}
		if err := rows.Scan(&c.ID, &c.MedicineID, &c.PlanID, &c.PatientID, &c.TakenAt); err != nil {
			return nil, fmt.Errorf("scan confirmation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Event types written to the plan.events outbox.
const (
	EventPlanCreated       = "PlanCreated"
	EventPlanClaimed       = "PlanClaimed"
	EventPlanStatusChanged = "PlanStatusChanged"
)

// planEventTopic is the Kafka topic outbox entries are relayed to.
const planEventTopic = "plan.events"

func writeEvent(ctx context.Context, tx pgx.Tx, p *plan.TreatmentPlan, eventType string) error {
	payload, err := json.Marshal(map[string]any{
		"event_type":    eventType,
		"plan_id":       p.ID,
		"number":        p.Number,
		"status":        p.Status,
		"pharmacist_id": p.PharmacistID,
		"patient_id":    p.PatientID,
		"occurred_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	entry := &OutboxEntry{
		AggregateID:   p.ID,
		AggregateType: "TreatmentPlan",
		EventType:     eventType,
		Payload:       payload,
		Topic:         planEventTopic,
		Key:           p.ID,
	}
	return WriteEntry(ctx, tx, entry)
}
