// Package scheduler runs timed jobs: the nightly sleep window and the
// housekeeping tasks that keep the database and log files small.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/qbot-dev/qbot/pkg/config"
	"github.com/qbot-dev/qbot/pkg/logger"
)

const (
	KindEvery = "every"
	KindCron  = "cron"
)

type Schedule struct {
	Kind    string `json:"kind"`
	EveryMS int64  `json:"everyMs,omitempty"`
	Expr    string `json:"expr,omitempty"`
}

// Daily runs once a day at clock, given as "HH:MM" local time.
func Daily(clock string) (Schedule, error) {
	hour, minute, err := config.ParseClock(clock)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{Kind: KindCron, Expr: fmt.Sprintf("%d %d * * *", minute, hour)}, nil
}

func Every(d time.Duration) Schedule {
	return Schedule{Kind: KindEvery, EveryMS: d.Milliseconds()}
}

// Cron runs on a five-field cron expression.
func Cron(expr string) (Schedule, error) {
	if !gronx.New().IsValid(expr) {
		return Schedule{}, fmt.Errorf("invalid cron expression %q", expr)
	}
	return Schedule{Kind: KindCron, Expr: expr}, nil
}

type JobFunc func(ctx context.Context) error

type JobState struct {
	NextRunAtMS *int64 `json:"nextRunAtMs,omitempty"`
	LastRunAtMS *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	Runs        uint64 `json:"runs"`
	Running     bool   `json:"running"`
}

type Job struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Enabled     bool     `json:"enabled"`
	Schedule    Schedule `json:"schedule"`
	State       JobState `json:"state"`
	CreatedAtMS int64    `json:"createdAtMs"`

	run JobFunc
}

type Scheduler struct {
	tick time.Duration
	now  func() time.Time

	mu       sync.RWMutex
	jobs     []*Job
	running  bool
	stopChan chan struct{}
	loopDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	active sync.WaitGroup
}

// New creates a scheduler that checks for due jobs every tick.
func New(tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tick:   tick,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Scheduler) AddJob(name string, schedule Schedule, fn JobFunc) (Job, error) {
	if fn == nil {
		return Job{}, fmt.Errorf("job %s: nil func", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	next, err := computeNextRun(schedule, now)
	if err != nil {
		return Job{}, fmt.Errorf("job %s: %w", name, err)
	}

	job := &Job{
		ID:          generateID(),
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		State:       JobState{NextRunAtMS: next},
		CreatedAtMS: now.UnixMilli(),
		run:         fn,
	}
	s.jobs = append(s.jobs, job)

	logger.DebugCF("scheduler", "Job added", map[string]interface{}{
		"job":      name,
		"schedule": describe(schedule),
	})
	return *job, nil
}

func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Scheduler) EnableJob(id string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range s.jobs {
		if job.ID != id {
			continue
		}
		job.Enabled = enabled
		if enabled {
			job.State.NextRunAtMS, _ = computeNextRun(job.Schedule, s.now())
		} else {
			job.State.NextRunAtMS = nil
		}
		return true
	}
	return false
}

func (s *Scheduler) ListJobs(includeDisabled bool) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if includeDisabled || job.Enabled {
			out = append(out, *job)
		}
	}
	return out
}

func (s *Scheduler) Status() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next *int64
	enabled := 0
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		enabled++
		if n := job.State.NextRunAtMS; n != nil && (next == nil || *n < *next) {
			next = n
		}
	}

	status := map[string]interface{}{
		"running": s.running,
		"jobs":    len(s.jobs),
		"enabled": enabled,
	}
	if next != nil {
		status["next_run"] = time.UnixMilli(*next).Format(time.RFC3339)
	}
	return status
}

// Start launches the tick loop. Jobs run with a context that is cancelled
// by Stop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("scheduler already stopped")
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.runLoop(s.stopChan, s.loopDone)

	logger.InfoCF("scheduler", "Scheduler started", map[string]interface{}{
		"tick": s.tick.String(),
		"jobs": len(s.jobs),
	})
	return nil
}

// Stop ends the loop, cancels running jobs and waits for them. Calling it
// again is a no-op.
// Stop ends the tick loop, cancels running jobs and waits for them until
// ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	s.running = false
	close(s.stopChan)
	done := s.loopDone
	s.mu.Unlock()

	<-done
	s.cancel()

	finished := make(chan struct{})
	go func() {
		s.active.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		logger.WarnC("scheduler", "Scheduler stopped with jobs still running")
		return ctx.Err()
	}
	logger.InfoC("scheduler", "Scheduler stopped")
	return nil
}

func (s *Scheduler) runLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.runDue(s.now(), false)
		}
	}
}

// RunDue starts every enabled job whose next run time is at or before now
// and waits for them to finish. It returns how many jobs ran.
func (s *Scheduler) RunDue(now time.Time) int {
	return s.runDue(now, true)
}

func (s *Scheduler) runDue(now time.Time, wait bool) int {
	s.mu.Lock()
	nowMS := now.UnixMilli()
	var due []*Job
	for _, job := range s.jobs {
		if job.Enabled && !job.State.Running && job.State.NextRunAtMS != nil && *job.State.NextRunAtMS <= nowMS {
			// cleared until the run finishes so a slow job is not started twice
			job.State.NextRunAtMS = nil
			job.State.Running = true
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	var batch sync.WaitGroup
	for _, job := range due {
		s.active.Add(1)
		batch.Add(1)
		go func(job *Job) {
			defer s.active.Done()
			defer batch.Done()
			s.execute(job, now)
		}(job)
	}
	if wait {
		batch.Wait()
	}
	return len(due)
}

func (s *Scheduler) execute(job *Job, now time.Time) {
	start := time.Now()
	err := s.call(job)

	s.mu.Lock()
	defer s.mu.Unlock()

	startMS := start.UnixMilli()
	job.State.LastRunAtMS = &startMS
	job.State.Runs++
	job.State.Running = false
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	}
	if job.Enabled {
		// count from the later of the slot time and the wall clock
		from := now
		if wall := s.now(); wall.After(from) {
			from = wall
		}
		job.State.NextRunAtMS, _ = computeNextRun(job.Schedule, from)
	}

	fields := map[string]interface{}{
		"job":         job.Name,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		logger.ErrorCF("scheduler", "Job failed", fields)
		return
	}
	logger.InfoCF("scheduler", "Job finished", fields)
}

func (s *Scheduler) call(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logger.ErrorCF("scheduler", "Job panicked", map[string]interface{}{
				"job":   job.Name,
				"stack": string(debug.Stack()),
			})
		}
	}()
	return job.run(s.ctx)
}

func computeNextRun(schedule Schedule, now time.Time) (*int64, error) {
	switch schedule.Kind {
	case KindEvery:
		if schedule.EveryMS <= 0 {
			return nil, fmt.Errorf("interval must be positive")
		}
		next := now.UnixMilli() + schedule.EveryMS
		return &next, nil
	case KindCron:
		if schedule.Expr == "" {
			return nil, fmt.Errorf("empty cron expression")
		}
		nextTime, err := gronx.NextTickAfter(schedule.Expr, now, false)
		if err != nil {
			return nil, fmt.Errorf("compute next run for %q: %w", schedule.Expr, err)
		}
		next := nextTime.UnixMilli()
		return &next, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %q", schedule.Kind)
	}
}

func describe(schedule Schedule) string {
	if schedule.Kind == KindEvery {
		return "every " + (time.Duration(schedule.EveryMS) * time.Millisecond).String()
	}
	return schedule.Expr
}

func generateID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
