package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/apotheca/go-tpc/internal/api/middleware"
	"github.com/apotheca/go-tpc/internal/domain/plan"
	"github.com/apotheca/go-tpc/internal/observability/metrics"
)

// PlanHandler handles treatment plan lifecycle endpoints.
type PlanHandler struct {
	svc     *plan.Service
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPlanHandler creates a new handler
func NewPlanHandler(svc *plan.Service, m *metrics.Metrics, logger *zap.Logger) *PlanHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlanHandler{svc: svc, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *PlanHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{number}", h.Get)
	r.Post("/{number}/claim", h.Claim)
	r.Post("/{number}/start", h.Start)
	r.Post("/{number}/complete", h.Complete)
	r.Post("/{number}/entries", h.AddEntry)
	r.Delete("/{id}", h.Remove)
	return r
}

// createRequest is the request body for creating a plan.
type createRequest struct {
	Medicines []struct {
		Name      string `json:"name"`
		Dosage    string `json:"dosage"`
		Frequency string `json:"frequency"`
	} `json:"medicines"`
	Advice string `json:"advice"`
}

// Create handles POST /plans
func (h *PlanHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("plan-handler")
	ctx, span := tracer.Start(ctx, "create_plan")
	defer span.End()

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	in := plan.CreateInput{
		PharmacistID: middleware.GetUserID(ctx),
		Advice:       req.Advice,
	}
	for _, m := range req.Medicines {
		in.Medicines = append(in.Medicines, plan.MedicineInput{
			Name:      m.Name,
			Dosage:    m.Dosage,
			Frequency: plan.Frequency(m.Frequency),
		})
	}

	p, err := h.svc.Create(ctx, in)
	if err != nil {
		respondError(w, err)
		return
	}
	span.SetAttributes(attribute.String("plan_id", p.ID))
	h.metrics.PlansCreated.Inc()

	h.logger.Info("plan created via api",
		zap.String("plan_id", p.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)))
	respondJSON(w, http.StatusCreated, renderPlan(p))
}

// Claim handles POST /plans/{number}/claim. The acting user becomes the
// plan's patient.
func (h *PlanHandler) Claim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	number := chi.URLParam(r, "number")

	p, err := h.svc.Claim(ctx, number, middleware.GetUserID(ctx))
	if err != nil {
		switch {
		case errors.Is(err, plan.ErrAlreadyUsedByOther):
			h.metrics.ClaimConflicts.Inc()
		case errors.Is(err, plan.ErrExpired):
			h.metrics.PlansExpired.Inc()
		}
		respondError(w, err)
		return
	}
	h.metrics.PlansClaimed.Inc()
	respondJSON(w, http.StatusOK, renderPlan(p))
}

// startRequest carries the patient's chosen treatment window.
type startRequest struct {
	DateStarted   string `json:"date_started"`
	DateCompleted string `json:"date_completed"`
}

// Start handles POST /plans/{number}/start
func (h *PlanHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	number := chi.URLParam(r, "number")

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	started, err := time.ParseInLocation(dateLayout, req.DateStarted, time.UTC)
	if err != nil {
		respondError(w, &plan.ValidationError{Problems: []string{"date_started must be formatted YYYY-MM-DD"}})
		return
	}
	completed, err := time.ParseInLocation(dateLayout, req.DateCompleted, time.UTC)
	if err != nil {
		respondError(w, &plan.ValidationError{Problems: []string{"date_completed must be formatted YYYY-MM-DD"}})
		return
	}

	p, err := h.svc.Start(ctx, number, middleware.GetUserID(ctx), started, completed)
	if err != nil {
		respondError(w, err)
		return
	}
	h.metrics.PlansStarted.Inc()
	respondJSON(w, http.StatusOK, renderPlan(p))
}

// entryRequest is a conversation entry posted to the plan's thread.
type entryRequest struct {
	Text string `json:"text"`
}

// Complete handles POST /plans/{number}/complete
func (h *PlanHandler) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	number := chi.URLParam(r, "number")

	party, err := parseParty(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req entryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	p, err := h.svc.Complete(ctx, number, middleware.GetUserID(ctx), party, req.Text)
	if err != nil {
		respondError(w, err)
		return
	}
	h.metrics.PlansCompleted.Inc()
	respondJSON(w, http.StatusOK, renderPlan(p))
}

// AddEntry handles POST /plans/{number}/entries
func (h *PlanHandler) AddEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	number := chi.URLParam(r, "number")

	party, err := parseParty(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req entryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	p, err := h.svc.AddEntry(ctx, number, middleware.GetUserID(ctx), party, req.Text)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, renderPlan(p))
}

// Get handles GET /plans/{number}. Viewing clears the reader's unread flag.
func (h *PlanHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	number := chi.URLParam(r, "number")

	party, err := parseParty(r)
	if err != nil {
		respondError(w, err)
		return
	}

	p, err := h.svc.Get(ctx, number, middleware.GetUserID(ctx), party)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, renderPlan(p))
}

// List handles GET /plans
func (h *PlanHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	f := plan.ListFilter{
		Search: q.Get("search"),
		Status: plan.Status(q.Get("status")),
	}
	switch q.Get("as") {
	case "pharmacist":
		f.PharmacistID = middleware.GetUserID(ctx)
	case "patient":
		f.PatientID = middleware.GetUserID(ctx)
	default:
		respondError(w, &plan.ValidationError{Problems: []string{`query parameter "as" must be pharmacist or patient`}})
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, &plan.ValidationError{Problems: []string{`query parameter "limit" must be an integer`}})
			return
		}
		f.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, &plan.ValidationError{Problems: []string{`query parameter "offset" must be an integer`}})
			return
		}
		f.Offset = n
	}

	plans, total, err := h.svc.List(ctx, f)
	if err != nil {
		respondError(w, err)
		return
	}

	items := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		items = append(items, renderPlan(p))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"plans": items,
		"total": total,
	})
}

// Remove handles DELETE /plans/{id}
func (h *PlanHandler) Remove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := h.svc.Remove(ctx, id); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
