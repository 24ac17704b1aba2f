// Package scheduler runs named maintenance jobs on cron schedules:
// recovery sweeps, TTL purges and cache sweeps.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowcore/internal/logging"
)

// DefaultTickInterval is how often due jobs are checked.
const DefaultTickInterval = time.Second

// Run statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// JobFunc is one run of a job.
type JobFunc func(ctx context.Context) error

type job struct {
	name       string
	spec       string
	schedule   cron.Schedule
	run        JobFunc
	enabled    bool
	nextRunAt  time.Time
	lastRunAt  time.Time
	lastStatus string
	lastError  string
	runs       int
}

// JobStatus is a snapshot of a registered job.
type JobStatus struct {
	Name       string    `json:"name"`
	Spec       string    `json:"spec"`
	Enabled    bool      `json:"enabled"`
	NextRunAt  time.Time `json:"nextRunAt"`
	LastRunAt  time.Time `json:"lastRunAt,omitempty"`
	LastStatus string    `json:"lastStatus,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
	Runs       int       `json:"runs"`
}

// Scheduler polls its jobs and runs those that are due. A job never
// overlaps itself.
type Scheduler struct {
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	jobs   map[string]*job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides DefaultTickInterval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New creates a Scheduler. Specs use five cron fields or descriptors such
// as "@every 1m".
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logging.OrDiscard(logger),
		interval: DefaultTickInterval,
		now:      time.Now,
		jobs:     make(map[string]*job),
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds or replaces a job.
func (s *Scheduler) Register(name, spec string, fn JobFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("job name and func are required")
	}
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[name] = &job{
		name:      name,
		spec:      spec,
		schedule:  schedule,
		run:       fn,
		enabled:   true,
		nextRunAt: schedule.Next(s.now().UTC()),
	}
	return nil
}

// Unregister removes a job.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	delete(s.jobs, name)
	s.mu.Unlock()
}

// SetEnabled pauses or resumes a job.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	j.enabled = enabled
	return nil
}

// Start launches the polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Jobs())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled job whose next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if j.enabled && !j.nextRunAt.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()
	sort.Slice(due, func(a, b int) bool { return due[a].name < due[b].name })

	for _, j := range due {
		if !s.tryAcquire(j.name) {
			continue
		}
		s.runJob(ctx, j, now)
		s.releaseJob(j.name)
	}
}

func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) {
	err := j.run(ctx)

	s.mu.Lock()
	j.runs++
	j.lastRunAt = now
	j.nextRunAt = j.schedule.Next(now)
	j.lastStatus = StatusSuccess
	j.lastError = ""
	if err != nil {
		j.lastStatus = StatusError
		j.lastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed", slog.String("job", j.name), slog.String("error", err.Error()))
		return
	}
	s.logger.Debug("scheduled job ran", slog.String("job", j.name))
}

// RunNow runs a job immediately, outside its schedule. It fails if the job
// is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	if !s.tryAcquire(name) {
		return fmt.Errorf("job %q is already running", name)
	}
	defer s.releaseJob(name)
	s.runJob(ctx, j, s.now().UTC())

	s.mu.Lock()
	defer s.mu.Unlock()
	if j.lastStatus == StatusError {
		return fmt.Errorf("job %q: %s", name, j.lastError)
	}
	return nil
}

// Jobs returns job snapshots sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			Name:       j.name,
			Spec:       j.spec,
			Enabled:    j.enabled,
			NextRunAt:  j.nextRunAt,
			LastRunAt:  j.lastRunAt,
			LastStatus: j.lastStatus,
			LastError:  j.lastError,
			Runs:       j.runs,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(spec string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the loop down and waits for the running tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
	return nil
}
