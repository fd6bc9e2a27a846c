package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/apotheca/go-tpc/internal/api/middleware"
	"github.com/apotheca/go-tpc/internal/domain/adherence"
	"github.com/apotheca/go-tpc/internal/domain/plan"
	"github.com/apotheca/go-tpc/internal/domain/schedule"
	"github.com/apotheca/go-tpc/internal/infrastructure/memory"
	"github.com/apotheca/go-tpc/internal/observability/metrics"
)

var day0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// testMetrics is shared because metrics register against the default
// Prometheus registry once per process.
var testMetrics = metrics.New()

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := memory.NewStore()

	planSvc := plan.NewService(store, nil, nil)
	planSvc.Now = func() time.Time { return day0 }
	scheduleSvc := schedule.NewService(store, nil)
	scheduleSvc.Now = func() time.Time { return day0 }
	adherenceSvc := adherence.NewService(store, nil)
	adherenceSvc.Now = func() time.Time { return day0 }

	r := chi.NewRouter()
	r.Use(middleware.UserIdentity)
	r.Mount("/plans", NewPlanHandler(planSvc, testMetrics, nil).Routes())
	r.Mount("/schedule", NewScheduleHandler(scheduleSvc, adherenceSvc, testMetrics, nil).Routes())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url, userID string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func createPlanHTTP(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/plans", "ph-1", map[string]interface{}{
		"medicines": []map[string]string{
			{"name": "Paracetamol", "dosage": "1 tablet", "frequency": "twice-daily"},
		},
		"advice": "Rest well",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body = %v", resp.StatusCode, body)
	}
	number, _ := body["number"].(string)
	if number == "" {
		t.Fatal("create response missing number")
	}
	return number
}

func TestPlanLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	number := createPlanHTTP(t, srv)

	// Claim as the patient.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/plans/"+number+"/claim", "pat-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != "claimed" {
		t.Errorf("status = %v, want claimed", body["status"])
	}

	// Claim by someone else conflicts.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/plans/"+number+"/claim", "pat-2", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("conflicting claim status = %d, want 409", resp.StatusCode)
	}

	// Start the treatment window.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/plans/"+number+"/start", "pat-1", map[string]string{
		"date_started":   day0.Format(dateLayout),
		"date_completed": day0.AddDate(0, 0, 7).Format(dateLayout),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != "started" {
		t.Errorf("status = %v, want started", body["status"])
	}

	// Patient posts on the thread; pharmacist views and the flag clears.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/plans/"+number+"/entries?as=patient", "pat-1",
		map[string]string{"text": "feeling dizzy"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add entry status = %d", resp.StatusCode)
	}
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/plans/"+number+"?as=pharmacist", "ph-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	review, _ := body["review"].(map[string]interface{})
	if review == nil {
		t.Fatal("response missing review thread")
	}
	if review["unread_for_pharmacist"] != false {
		t.Errorf("unread_for_pharmacist = %v, want false after viewing", review["unread_for_pharmacist"])
	}

	// Complete with closing advice.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/plans/"+number+"/complete?as=pharmacist", "ph-1",
		map[string]string{"text": "All done."})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != "completed" {
		t.Errorf("status = %v, want completed", body["status"])
	}
}

func TestScheduleAndComplianceOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	number := createPlanHTTP(t, srv)

	doJSON(t, http.MethodPost, srv.URL+"/plans/"+number+"/claim", "pat-1", nil)
	doJSON(t, http.MethodPost, srv.URL+"/plans/"+number+"/start", "pat-1", map[string]string{
		"date_started":   day0.Format(dateLayout),
		"date_completed": day0.AddDate(0, 0, 7).Format(dateLayout),
	})

	// The day schedule has both slots filled for a twice-daily medicine.
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/schedule/due?date="+day0.Format(dateLayout), "pat-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("due status = %d", resp.StatusCode)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/schedule/due?date="+day0.Format(dateLayout), nil)
	req.Header.Set("X-User-ID", "pat-1")
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("due request: %v", err)
	}
	defer raw.Body.Close()
	var due map[string][]map[string]interface{}
	json.NewDecoder(raw.Body).Decode(&due)
	if len(due["morning"]) != 1 || len(due["evening"]) != 1 {
		t.Fatalf("due slots = %d morning, %d evening, want 1 each", len(due["morning"]), len(due["evening"]))
	}
	medicineID, _ := due["morning"][0]["medicine_id"].(string)

	// Toggle the morning dose taken.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/schedule/taken", "pat-1", map[string]interface{}{
		"medicine_id": medicineID,
		"date":        day0.Format(dateLayout),
		"taken":       true,
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("toggle status = %d, want 204", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/schedule/taken?date="+day0.Format(dateLayout), "pat-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("taken status = %d", resp.StatusCode)
	}
	ids, _ := body["medicine_ids"].([]interface{})
	if len(ids) != 1 {
		t.Errorf("taken ids = %v, want one", ids)
	}

	// Compliance on day 0: one of two doses taken.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/schedule/compliance/"+number, "pat-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("compliance status = %d, body = %v", resp.StatusCode, body)
	}
	meds, _ := body["medicines"].([]interface{})
	if len(meds) != 1 {
		t.Fatalf("compliance rows = %d, want 1", len(meds))
	}
	row, _ := meds[0].(map[string]interface{})
	if pct, _ := row["percentage"].(float64); pct != 50.00 {
		t.Errorf("percentage = %v, want 50", row["percentage"])
	}
}

func TestErrorMappingOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	number := createPlanHTTP(t, srv)

	cases := []struct {
		name   string
		method string
		path   string
		user   string
		body   interface{}
		want   int
	}{
		{"missing identity", http.MethodGet, "/plans/" + number + "?as=pharmacist", "", nil, http.StatusUnauthorized},
		{"unknown token", http.MethodPost, "/plans/NOPE/claim", "pat-1", nil, http.StatusNotFound},
		{"bad party", http.MethodGet, "/plans/" + number + "?as=doctor", "ph-1", nil, http.StatusBadRequest},
		{"foreign reader", http.MethodGet, "/plans/" + number + "?as=pharmacist", "ph-9", nil, http.StatusForbidden},
		{"malformed date", http.MethodPost, "/plans/" + number + "/start", "pat-1",
			map[string]string{"date_started": "tomorrow", "date_completed": "2025-03-20"}, http.StatusBadRequest},
		{"empty create", http.MethodPost, "/plans", "ph-1", map[string]interface{}{}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doJSON(t, tc.method, srv.URL+tc.path, tc.user, tc.body)
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d (body %v)", resp.StatusCode, tc.want, body)
			}
		})
	}
}

func TestListOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 3; i++ {
		createPlanHTTP(t, srv)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/plans?as=pharmacist&limit=2", "ph-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if total, _ := body["total"].(float64); total != 3 {
		t.Errorf("total = %v, want 3", body["total"])
	}
	plans, _ := body["plans"].([]interface{})
	if len(plans) != 2 {
		t.Errorf("page = %d plans, want 2", len(plans))
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/plans?as=patient", "pat-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if total, _ := body["total"].(float64); total != 0 {
		t.Errorf("patient total = %v, want 0", body["total"])
	}

	// Malformed paging params are rejected, not silently defaulted.
	for _, path := range []string{"/plans?as=pharmacist&limit=abc", "/plans?as=pharmacist&offset=1.5"} {
		resp, body = doJSON(t, http.MethodGet, srv.URL+path, "ph-1", nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400 (body %v)", path, resp.StatusCode, body)
		}
	}
}

func TestPartyParamIsRequired(t *testing.T) {
	srv := newTestServer(t)
	number := createPlanHTTP(t, srv)

	resp, body := doJSON(t, http.MethodGet, fmt.Sprintf("%s/plans/%s", srv.URL, number), "ph-1", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 (body %v)", resp.StatusCode, body)
	}
}
