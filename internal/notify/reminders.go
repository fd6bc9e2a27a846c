package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apotheca/go-tpc/pkg/workerpool"
)

// ReminderSource lists the patients who should get a dose reminder on a day.
type ReminderSource interface {
	PatientsWithActivePlans(ctx context.Context, date time.Time) ([]string, error)
}

// SchedulerConfig holds reminder scheduler configuration.
type SchedulerConfig struct {
	// Interval between reminder scans
	Interval time.Duration
	// Pool sizes the delivery worker pool
	Pool workerpool.Config
}

// DefaultSchedulerConfig returns scheduler defaults: one scan per day is the
// intent, the shorter interval catches plans started mid-day.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: 6 * time.Hour,
		Pool:     workerpool.DefaultConfig(),
	}
}

// Scheduler periodically scans for patients with active plans and fans dose
// reminders out through a bounded worker pool, so one slow delivery never
// delays the rest of the batch.
type Scheduler struct {
	source ReminderSource
	sender Sender
	config SchedulerConfig
	logger *zap.Logger
	pool   *workerpool.Pool

	// Now is replaceable for tests.
	Now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a reminder scheduler.
func NewScheduler(source ReminderSource, sender Sender, cfg SchedulerConfig, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSchedulerConfig().Interval
	}

	s := &Scheduler{
		source: source,
		sender: sender,
		config: cfg,
		logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
		done:   make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	pool, err := workerpool.New(cfg.Pool, s.deliver, logger)
	if err != nil {
		return nil, fmt.Errorf("create reminder pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Start launches the pool and the scan loop.
func (s *Scheduler) Start() {
	s.pool.Start()
	go s.scanLoop()
	s.logger.Info("reminder scheduler started", zap.Duration("interval", s.config.Interval))
}

// Stop stops the scan loop and drains the pool.
func (s *Scheduler) Stop() error {
	s.cancel()
	<-s.done
	return s.pool.Stop()
}

func (s *Scheduler) scanLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.ScanOnce(s.ctx); err != nil {
				s.logger.Error("reminder scan failed", zap.Error(err))
			}
		}
	}
}

// ScanOnce enqueues one reminder per patient with an active plan today.
func (s *Scheduler) ScanOnce(ctx context.Context) error {
	today := s.Now()
	patients, err := s.source.PatientsWithActivePlans(ctx, today)
	if err != nil {
		return fmt.Errorf("list active patients: %w", err)
	}

	var queued int
	for _, patientID := range patients {
		task := &workerpool.Task{
			ID: uuid.NewString(),
			Payload: &Notification{
				Recipient: patientID,
				Kind:      KindDoseReminder,
				Title:     "Medication reminder",
				Body:      "You have doses scheduled today. Open your plan to confirm them as taken.",
			},
			Context: ctx,
		}
		if err := s.pool.Submit(task); err != nil {
			s.logger.Warn("reminder dropped, queue full",
				zap.String("patient_id", patientID),
				zap.Error(err))
			continue
		}
		queued++
	}

	s.logger.Info("reminder scan complete",
		zap.Int("patients", len(patients)),
		zap.Int("queued", queued))
	return nil
}

func (s *Scheduler) deliver(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	notification, ok := task.Payload.(*Notification)
	if !ok {
		return &workerpool.Result{
			TaskID:  task.ID,
			Success: false,
			Error:   fmt.Errorf("unexpected payload type %T", task.Payload),
		}
	}
	if err := s.sender.Send(ctx, notification); err != nil {
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: err}
	}
	return &workerpool.Result{TaskID: task.ID, Success: true}
}
