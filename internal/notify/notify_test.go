package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNotificationsFor(t *testing.T) {
	cases := []struct {
		name      string
		event     PlanEvent
		wantKind  string
		recipient string
	}{
		{
			name:      "claim notifies the pharmacist",
			event:     PlanEvent{EventType: "PlanClaimed", Number: "N1", PharmacistID: "ph-1", PatientID: "pat-1"},
			wantKind:  KindPlanClaimed,
			recipient: "ph-1",
		},
		{
			name:      "start notifies the pharmacist",
			event:     PlanEvent{EventType: "PlanStatusChanged", Status: "started", Number: "N1", PharmacistID: "ph-1"},
			wantKind:  KindPlanStarted,
			recipient: "ph-1",
		},
		{
			name:      "completion notifies the patient",
			event:     PlanEvent{EventType: "PlanStatusChanged", Status: "completed", Number: "N1", PharmacistID: "ph-1", PatientID: "pat-1"},
			wantKind:  KindPlanCompleted,
			recipient: "pat-1",
		},
		{
			name:      "expiry notifies the pharmacist",
			event:     PlanEvent{EventType: "PlanStatusChanged", Status: "expired", Number: "N1", PharmacistID: "ph-1"},
			wantKind:  KindPlanExpired,
			recipient: "ph-1",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := notificationsFor(&tc.event)
			if len(got) != 1 {
				t.Fatalf("notifications = %d, want 1", len(got))
			}
			if got[0].Kind != tc.wantKind {
				t.Errorf("kind = %s, want %s", got[0].Kind, tc.wantKind)
			}
			if got[0].Recipient != tc.recipient {
				t.Errorf("recipient = %s, want %s", got[0].Recipient, tc.recipient)
			}
		})
	}

	t.Run("creation is silent", func(t *testing.T) {
		got := notificationsFor(&PlanEvent{EventType: "PlanCreated", Number: "N1"})
		if len(got) != 0 {
			t.Errorf("notifications = %d, want 0", len(got))
		}
	})
}

type recordingSender struct {
	mu   sync.Mutex
	sent []*Notification
	err  error
}

func (r *recordingSender) Send(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type staticSource struct {
	patients []string
	err      error
}

func (s staticSource) PatientsWithActivePlans(context.Context, time.Time) ([]string, error) {
	return s.patients, s.err
}

func TestSchedulerScanOnce(t *testing.T) {
	sender := &recordingSender{}
	scheduler, err := NewScheduler(staticSource{patients: []string{"pat-1", "pat-2"}}, sender, DefaultSchedulerConfig(), nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	scheduler.pool.Start()
	defer scheduler.pool.Stop()

	if err := scheduler.ScanOnce(context.Background()); err != nil {
		t.Fatalf("ScanOnce() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for sender.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("reminders delivered = %d, want 2", sender.count())
		case <-time.After(10 * time.Millisecond):
		}
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	for _, n := range sender.sent {
		if n.Kind != KindDoseReminder {
			t.Errorf("kind = %s, want %s", n.Kind, KindDoseReminder)
		}
	}
}

func TestSchedulerScanPropagatesSourceError(t *testing.T) {
	sender := &recordingSender{}
	scheduler, err := NewScheduler(staticSource{err: errors.New("db down")}, sender, DefaultSchedulerConfig(), nil)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if err := scheduler.ScanOnce(context.Background()); err == nil {
		t.Error("ScanOnce() should surface the source error")
	}
}
