// Package handlers provides HTTP handlers for the plan API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/apotheca/go-tpc/internal/domain/plan"
)

// dateLayout is the wire format for date-only fields.
const dateLayout = "2006-01-02"

func respondJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, err error) {
	var ve *plan.ValidationError
	if errors.As(err, &ve) {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":    "validation failed",
			"problems": ve.Problems,
		})
		return
	}

	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, plan.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, plan.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, plan.ErrInvalidDate):
		code = http.StatusBadRequest
	case errors.Is(err, plan.ErrExpired):
		code = http.StatusGone
	case errors.Is(err, plan.ErrAlreadyClaimed),
		errors.Is(err, plan.ErrAlreadyUsedByOther),
		errors.Is(err, plan.ErrInvalidState),
		errors.Is(err, plan.ErrNotStarted):
		code = http.StatusConflict
	}

	message := err.Error()
	if code == http.StatusInternalServerError {
		// Internal details stay in the logs.
		message = "internal server error"
	}
	respondJSON(w, code, map[string]string{"error": message})
}

// planResponse is the wire rendering of a treatment plan.
type planResponse struct {
	ID            string             `json:"id"`
	Number        string             `json:"number"`
	Status        string             `json:"status"`
	PharmacistID  string             `json:"pharmacist_id"`
	PatientID     string             `json:"patient_id,omitempty"`
	AdviceText    string             `json:"advice_text"`
	DateCreated   time.Time          `json:"date_created"`
	DateStarted   string             `json:"date_started,omitempty"`
	DateCompleted string             `json:"date_completed,omitempty"`
	Medicines     []medicineResponse `json:"medicines"`
	Review        *reviewResponse    `json:"review,omitempty"`
}

type medicineResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	TimeOfDay string `json:"time_of_day"`
}

type reviewResponse struct {
	UnreadForPharmacist bool            `json:"unread_for_pharmacist"`
	UnreadForPatient    bool            `json:"unread_for_patient"`
	Entries             []entryResponse `json:"entries"`
}

type entryResponse struct {
	ID          string    `json:"id"`
	DateCreated time.Time `json:"date_created"`
	Author      string    `json:"author"`
	Text        string    `json:"text"`
}

func renderPlan(p *plan.TreatmentPlan) planResponse {
	out := planResponse{
		ID:           p.ID,
		Number:       p.Number,
		Status:       string(p.Status),
		PharmacistID: p.PharmacistID,
		PatientID:    p.PatientID,
		AdviceText:   p.AdviceText,
		DateCreated:  p.DateCreated,
		Medicines:    []medicineResponse{},
	}
	if p.DateStarted != nil {
		out.DateStarted = p.DateStarted.Format(dateLayout)
	}
	if p.DateCompleted != nil {
		out.DateCompleted = p.DateCompleted.Format(dateLayout)
	}
	for _, m := range p.Medicines {
		out.Medicines = append(out.Medicines, medicineResponse{
			ID:        m.ID,
			Name:      m.Name,
			Dosage:    m.Dosage,
			TimeOfDay: string(m.TimeOfDay),
		})
	}
	if p.Review != nil {
		rv := &reviewResponse{
			UnreadForPharmacist: p.Review.UnreadForPharmacist,
			UnreadForPatient:    p.Review.UnreadForPatient,
			Entries:             []entryResponse{},
		}
		for _, e := range p.Review.Entries {
			rv.Entries = append(rv.Entries, entryResponse{
				ID:          e.ID,
				DateCreated: e.DateCreated,
				Author:      string(e.Author),
				Text:        e.Text,
			})
		}
		out.Review = rv
	}
	return out
}

// parseParty reads the acting side from the "as" query parameter.
func parseParty(r *http.Request) (plan.Party, error) {
	switch r.URL.Query().Get("as") {
	case "pharmacist":
		return plan.PartyPharmacist, nil
	case "patient":
		return plan.PartyPatient, nil
	default:
		return "", &plan.ValidationError{Problems: []string{`query parameter "as" must be pharmacist or patient`}}
	}
}

// parseDate reads an optional date-only query parameter, defaulting to now.
func parseDate(r *http.Request, param string, now time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return now, nil
	}
	d, err := time.ParseInLocation(dateLayout, raw, time.UTC)
	if err != nil {
		return time.Time{}, &plan.ValidationError{Problems: []string{param + " must be formatted YYYY-MM-DD"}}
	}
	return d, nil
}
