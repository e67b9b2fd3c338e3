// -----------------------------------------------------------------------
// Watchdog - stall detection for in-flight jobs. One process-local timer
// per active job plus a scheduled sweep that covers process restarts.
// -----------------------------------------------------------------------

package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/shadowtwin/internal/models"
)

// Watchdog owns one timer per active job. Bump resets the timer on every
// accepted callback; expiry hands the job ID to the stall handler. The
// registry is process-local: a restart loses the timers, the storage record
// stays authoritative and the sweep catches what the timers missed.
type Watchdog struct {
	timeout time.Duration
	onStall func(jobID string)
	logger  arbor.ILogger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewWatchdog creates a watchdog with the given stall window
func NewWatchdog(timeout time.Duration, onStall func(jobID string), logger arbor.ILogger) *Watchdog {
	return &Watchdog{
		timeout: timeout,
		onStall: onStall,
		logger:  logger,
		timers:  make(map[string]*time.Timer),
	}
}

// Bump starts or resets the job's stall timer
func (w *Watchdog) Bump(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if timer, ok := w.timers[jobID]; ok {
		timer.Reset(w.timeout)
		return
	}

	w.timers[jobID] = time.AfterFunc(w.timeout, func() {
		w.mu.Lock()
		delete(w.timers, jobID)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		w.logger.WithCorrelationId(jobID).Warn().Str("job_id", jobID).Msg("Watchdog expired, job stalled")
		w.onStall(jobID)
	})
}

// Clear stops and removes the job's timer
func (w *Watchdog) Clear(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[jobID]; ok {
		timer.Stop()
		delete(w.timers, jobID)
	}
}

// Active returns the number of registered timers
func (w *Watchdog) Active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

// Close stops all timers
func (w *Watchdog) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for jobID, timer := range w.timers {
		timer.Stop()
		delete(w.timers, jobID)
	}
}

// handleStall fails a job whose watchdog window elapsed with no callback
func (s *Service) handleStall(jobID string) {
	ctx := context.Background()

	job, err := s.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		s.jobLogger(jobID).Error().Err(err).Str("job_id", jobID).Msg("Failed to load stalled job")
		return
	}
	if job.Status.IsTerminal() {
		return
	}

	phase, _ := s.activePhase(job)
	s.failJob(ctx, jobID, phase, models.ErrCodeStalled,
		"no callback received within the stall window", nil)
}

// StartSweep schedules the stale-job sweep. The timers cover the normal
// case; the sweep covers jobs that were in flight across a restart, when the
// process-local timers no longer exist.
func (s *Service) StartSweep() (*cron.Cron, error) {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(s.config.Pipeline.SweepSchedule, func() {
		s.SweepStale(context.Background())
	})
	if err != nil {
		return nil, err
	}
	scheduler.Start()

	s.logger.Info().
		Str("schedule", s.config.Pipeline.SweepSchedule).
		Str("stall_timeout", s.config.Pipeline.StallTimeout.String()).
		Msg("Stale job sweep scheduled")

	return scheduler, nil
}

// SweepStale fails every running job whose last update is older than the
// stall window and which has no live watchdog timer.
func (s *Service) SweepStale(ctx context.Context) {
	stale, err := s.storage.JobStorage().StaleRunningJobs(ctx, int(s.config.Pipeline.StallTimeout.Seconds()))
	if err != nil {
		s.logger.Error().Err(err).Msg("Stale job sweep failed")
		return
	}

	for _, job := range stale {
		phase, _ := s.activePhase(job)
		s.jobLogger(job.ID).Warn().
			Str("job_id", job.ID).
			Str("phase", string(phase)).
			Str("updated_at", job.UpdatedAt.Format(time.RFC3339)).
			Msg("Sweep found stalled job")
		s.failJob(ctx, job.ID, phase, models.ErrCodeStalled,
			"no callback received within the stall window", nil)
	}
}
