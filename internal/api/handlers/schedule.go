package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/apotheca/go-tpc/internal/api/middleware"
	"github.com/apotheca/go-tpc/internal/domain/adherence"
	"github.com/apotheca/go-tpc/internal/domain/plan"
	"github.com/apotheca/go-tpc/internal/domain/schedule"
	"github.com/apotheca/go-tpc/internal/observability/metrics"
)

// ScheduleHandler handles the daily schedule, taken toggles and compliance.
type ScheduleHandler struct {
	schedules *schedule.Service
	adherence *adherence.Service
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewScheduleHandler creates a new handler
func NewScheduleHandler(schedules *schedule.Service, adh *adherence.Service, m *metrics.Metrics, logger *zap.Logger) *ScheduleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduleHandler{schedules: schedules, adherence: adh, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *ScheduleHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/due", h.Due)
	r.Get("/taken", h.Taken)
	r.Post("/taken", h.Toggle)
	r.Get("/compliance/{number}", h.Compliance)
	return r
}

type dueMedicineResponse struct {
	MedicineID string `json:"medicine_id"`
	PlanNumber string `json:"plan_number"`
	Name       string `json:"name"`
	Dosage     string `json:"dosage"`
}

// Due handles GET /schedule/due?date=YYYY-MM-DD. It returns the acting
// patient's doses for the day, keyed by the four time-of-day slots.
func (h *ScheduleHandler) Due(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	date, err := parseDate(r, "date", h.schedules.Now())
	if err != nil {
		respondError(w, err)
		return
	}

	day, err := h.schedules.GetDueMedicines(ctx, middleware.GetUserID(ctx), date)
	if err != nil {
		respondError(w, err)
		return
	}

	out := map[string][]dueMedicineResponse{}
	for _, slot := range plan.SlotOrder {
		rows := make([]dueMedicineResponse, 0, len(day[slot]))
		for _, d := range day[slot] {
			rows = append(rows, dueMedicineResponse{
				MedicineID: d.Medicine.ID,
				PlanNumber: d.PlanNumber,
				Name:       d.Medicine.Name,
				Dosage:     d.Medicine.Dosage,
			})
		}
		out[string(slot)] = rows
	}
	respondJSON(w, http.StatusOK, out)
}

// Taken handles GET /schedule/taken?date=YYYY-MM-DD
func (h *ScheduleHandler) Taken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	date, err := parseDate(r, "date", h.schedules.Now())
	if err != nil {
		respondError(w, err)
		return
	}

	ids, err := h.schedules.GetTakenMedicineIDs(ctx, middleware.GetUserID(ctx), date)
	if err != nil {
		respondError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string][]string{"medicine_ids": ids})
}

// toggleRequest marks one dosage row taken or not taken on a day.
type toggleRequest struct {
	MedicineID string `json:"medicine_id"`
	Date       string `json:"date"`
	Taken      bool   `json:"taken"`
}

// Toggle handles POST /schedule/taken
func (h *ScheduleHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.MedicineID == "" {
		respondError(w, &plan.ValidationError{Problems: []string{"medicine_id must not be blank"}})
		return
	}

	date := h.schedules.Now()
	if req.Date != "" {
		var err error
		date, err = time.ParseInLocation(dateLayout, req.Date, time.UTC)
		if err != nil {
			respondError(w, &plan.ValidationError{Problems: []string{"date must be formatted YYYY-MM-DD"}})
			return
		}
	}

	if err := h.schedules.ToggleTaken(ctx, middleware.GetUserID(ctx), req.MedicineID, date, req.Taken); err != nil {
		respondError(w, err)
		return
	}

	direction := "off"
	if req.Taken {
		direction = "on"
	}
	h.metrics.DoseToggles.WithLabelValues(direction).Inc()
	w.WriteHeader(http.StatusNoContent)
}

// Compliance handles GET /schedule/compliance/{number}
func (h *ScheduleHandler) Compliance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	number := chi.URLParam(r, "number")

	report, err := h.adherence.ComputeCompliance(ctx, number)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"medicines": report})
}
