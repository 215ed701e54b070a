/*
scheduler.go - Periodic sweeps

PURPOSE:
  Runs the background jobs that do not belong to any single request:
  - overdue:  remind Ti Kanè owners of installments past due
  - ready:    announce SOL cycles whose members have all paid

DESIGN:
  - robfig/cron drives both jobs on SWEEP_SCHEDULE (default @hourly)
  - cron.Recover keeps a panicking job from killing the scheduler
  - Each job runs under its own timeout context
  - Recent runs are kept in memory for GET /api/admin/sweeps

USAGE:
  sweeps := NewSweepScheduler(solSvc, tikaneSvc, logger, SweepOptions{Schedule: "@hourly"})
  if err := sweeps.Start(); err != nil { ... }
  defer sweeps.Stop()

SEE ALSO:
  - tikane.Service.NotifyOverdue
  - sol.Service.SweepReadyCycles
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kotize/savings-engine/generic"
	"github.com/kotize/savings-engine/metrics"
	"github.com/kotize/savings-engine/sol"
	"github.com/kotize/savings-engine/tikane"
)

const (
	JobOverdue = "overdue"
	JobReady   = "ready"

	maxSweepRuns = 50
)

// SweepRun records one job execution.
type SweepRun struct {
	Job        string    `json:"job"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Affected   int       `json:"affected"`
	Error      string    `json:"error,omitempty"`
}

type SweepOptions struct {
	Schedule string        // standard cron spec or descriptor
	Timeout  time.Duration // per job; zero means one minute
}

// SweepScheduler runs the periodic jobs.
type SweepScheduler struct {
	sol     *sol.Service
	tikane  *tikane.Service
	logger  *slog.Logger
	opts    SweepOptions
	cron    *cron.Cron
	today   func() generic.TimePoint
	mu      sync.Mutex
	runs    []SweepRun
	started bool
}

func NewSweepScheduler(solSvc *sol.Service, tikaneSvc *tikane.Service, logger *slog.Logger, opts SweepOptions) *SweepScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Schedule == "" {
		opts.Schedule = "@hourly"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	logger = logger.With("component", "sweeps")
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &SweepScheduler{
		sol:    solSvc,
		tikane: tikaneSvc,
		logger: logger,
		opts:   opts,
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		today:  generic.Today,
	}
}

// Start registers the jobs and starts the cron loop.
func (s *SweepScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if _, err := s.cron.AddFunc(s.opts.Schedule, func() { s.Run(context.Background(), JobOverdue) }); err != nil {
		return fmt.Errorf("schedule %s job: %w", JobOverdue, err)
	}
	if _, err := s.cron.AddFunc(s.opts.Schedule, func() { s.Run(context.Background(), JobReady) }); err != nil {
		return fmt.Errorf("schedule %s job: %w", JobReady, err)
	}
	s.cron.Start()
	s.started = true
	s.logger.Info("sweeps scheduled", "schedule", s.opts.Schedule)
	return nil
}

// Stop waits for running jobs to finish or ctx to end.
func (s *SweepScheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return
	}
	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("sweeps stopped")
	case <-ctx.Done():
		s.logger.Warn("sweeps still running at shutdown")
	}
}

// Run executes job once and records the outcome.
func (s *SweepScheduler) Run(ctx context.Context, job string) SweepRun {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	run := SweepRun{Job: job, StartedAt: time.Now().UTC()}
	var err error
	switch job {
	case JobOverdue:
		run.Affected, err = s.tikane.NotifyOverdue(ctx, s.today())
	case JobReady:
		var ready []generic.CycleProgress
		ready, err = s.sol.SweepReadyCycles(ctx)
		run.Affected = len(ready)
	default:
		err = fmt.Errorf("unknown job %q", job)
	}
	run.FinishedAt = time.Now().UTC()

	metrics.SweepRuns.WithLabelValues(job, metrics.Outcome(err, nil)).Inc()
	if err != nil {
		run.Error = err.Error()
		s.logger.ErrorContext(ctx, "sweep failed", "job", job, "error", err)
	} else {
		s.logger.InfoContext(ctx, "sweep finished", "job", job, "affected", run.Affected,
			"duration", run.FinishedAt.Sub(run.StartedAt))
	}

	s.mu.Lock()
	s.runs = append(s.runs, run)
	if len(s.runs) > maxSweepRuns {
		s.runs = s.runs[len(s.runs)-maxSweepRuns:]
	}
	s.mu.Unlock()
	return run
}

// Runs returns recorded runs, newest first.
func (s *SweepScheduler) Runs() []SweepRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SweepRun, len(s.runs))
	for i, r := range s.runs {
		out[len(s.runs)-1-i] = r
	}
	return out
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListSweepRuns returns recent sweep runs.
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	if h.sweeps == nil {
		writeJSON(w, http.StatusOK, []SweepRun{})
		return
	}
	writeJSON(w, http.StatusOK, h.sweeps.Runs())
}

// TriggerSweep runs a job now. Body: {"job": "overdue"|"ready"}.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeps == nil {
		writeError(w, http.StatusServiceUnavailable, "Sweeps are disabled", nil)
		return
	}
	var req struct {
		Job string `json:"job"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Job != JobOverdue && req.Job != JobReady {
		writeError(w, http.StatusBadRequest, "Unknown job", fmt.Errorf("job must be %q or %q", JobOverdue, JobReady))
		return
	}
	run := h.sweeps.Run(r.Context(), req.Job)
	if run.Error != "" {
		writeJSON(w, http.StatusInternalServerError, run)
		return
	}
	writeJSON(w, http.StatusOK, run)
}
