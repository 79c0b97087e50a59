package scheduler

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/events"
	"github.com/threadline/threadline/internal/events/bus"
	"github.com/threadline/threadline/internal/session"
	"github.com/threadline/threadline/internal/session/identity"
)

// notifyDetailLimit bounds the error text forwarded to the notifier.
const notifyDetailLimit = 500

// Notifier receives job outcomes for schedules with notify enabled.
type Notifier interface {
	NotifyJob(ctx context.Context, jobName string, err error, output string)
}

// pendingJob is one fired schedule waiting for the runner to free up.
type pendingJob struct {
	schedule Schedule
	firedAt  time.Time
}

// Scheduler fires cron schedules into scheduler-owned sessions. Fired jobs
// queue when a job is already running or a scheduler session is busy, and a
// drain tick retries the head of the queue.
type Scheduler struct {
	cfg      config.SchedulerConfig
	log      *logger.Logger
	manager  *session.Manager
	bus      bus.EventBus
	notifier Notifier

	cron    *cron.Cron
	entries []cron.EntryID

	mu         sync.Mutex
	schedules  []Schedule
	pending    []pendingJob
	jobRunning bool
	ledger     []time.Time // execution timestamps inside the rolling hour

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a stopped scheduler. bus and notifier may be nil.
func NewScheduler(cfg config.SchedulerConfig, manager *session.Manager, b bus.EventBus, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		log:     log,
		manager: manager,
		bus:     b,
		cron:    cron.New(cron.WithParser(cronParser)),
		stopCh:  make(chan struct{}),
	}
}

// SetNotifier wires the outbound notifier. Call before Start.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notifier = n
}

// Start loads the cron file, schedules its jobs, and begins draining.
func (s *Scheduler) Start() error {
	cf, err := LoadCronFile(s.cfg.ConfigPath, nil, s.cfg.MaxPromptLength)
	if err != nil {
		return fmt.Errorf("failed to load cron config: %w", err)
	}
	if err := s.Reload(cf); err != nil {
		return err
	}

	s.cron.Start()

	s.wg.Add(1)
	go s.drainLoop()

	s.log.Info("Scheduler started",
		zap.String("component", "scheduler"),
		zap.String("config_path", s.cfg.ConfigPath),
		zap.Int("schedules", len(cf.Schedules)))
	return nil
}

// Stop halts cron firing and waits for the running job and drain loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
	s.log.Info("Scheduler stopped", zap.String("component", "scheduler"))
}

// Reload swaps the active schedule set atomically: all current entries are
// removed before the new ones are added. The pending queue and hourly ledger
// survive a reload.
func (s *Scheduler) Reload(cf *CronFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = s.entries[:0]

	for _, sched := range cf.Schedules {
		if !sched.IsEnabled() {
			s.log.Debug("Schedule disabled, skipping",
				zap.String("component", "scheduler"),
				zap.String("job", sched.Name))
			continue
		}
		sched := sched
		id, err := s.cron.AddFunc(sched.Cron, func() { s.fire(sched) })
		if err != nil {
			// Entries added so far stay removed until the next good reload.
			return fmt.Errorf("failed to schedule %q: %w", sched.Name, err)
		}
		s.entries = append(s.entries, id)
	}
	s.schedules = cf.Schedules

	s.publish(events.CronReloaded, events.BuildJobWildcardSubject(), map[string]interface{}{
		"schedules": len(cf.Schedules),
		"active":    len(s.entries),
	})
	return nil
}

// Schedules returns a copy of the currently loaded schedule set.
func (s *Scheduler) Schedules() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, len(s.schedules))
	copy(out, s.schedules)
	return out
}

// QueueDepth returns the number of fired jobs waiting to run.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// fire is the cron callback. The job runs immediately when the runner is
// free, otherwise it joins the pending queue.
func (s *Scheduler) fire(sched Schedule) {
	s.mu.Lock()
	if s.busyLocked() {
		s.enqueueLocked(sched)
		s.mu.Unlock()
		return
	}
	if !s.admitLocked(sched.Name) {
		s.mu.Unlock()
		return
	}
	s.jobRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(sched)
}

// busyLocked reports whether a job may not start right now. Scheduler
// sessions busy with an earlier job block; user sessions do not.
func (s *Scheduler) busyLocked() bool {
	if s.jobRunning {
		return true
	}
	return s.manager.AnyProcessing(func(id identity.Identity) bool { return id.IsScheduler() })
}

// admitLocked applies the rolling hourly cap. Returns false when the job
// must be skipped.
func (s *Scheduler) admitLocked(jobName string) bool {
	cutoff := time.Now().Add(-time.Hour)
	kept := s.ledger[:0]
	for _, t := range s.ledger {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.ledger = kept

	if s.cfg.MaxJobsPerHour > 0 && len(s.ledger) >= s.cfg.MaxJobsPerHour {
		s.log.Warn("Hourly job cap reached, skipping",
			zap.String("component", "scheduler"),
			zap.String("job", jobName),
			zap.Int("max_per_hour", s.cfg.MaxJobsPerHour))
		s.publish(events.JobSkipped, events.BuildJobSubject(jobName), map[string]interface{}{
			"job":    jobName,
			"reason": "rate_limited",
		})
		return false
	}
	s.ledger = append(s.ledger, time.Now())
	return true
}

// enqueueLocked appends to the pending queue, dropping the oldest entry when
// the queue is at capacity.
func (s *Scheduler) enqueueLocked(sched Schedule) {
	if len(s.pending) >= s.cfg.QueueCapacity {
		dropped := s.pending[0]
		s.pending = s.pending[1:]
		s.log.Warn("Pending job queue full, dropping oldest",
			zap.String("component", "scheduler"),
			zap.String("dropped", dropped.schedule.Name),
			zap.Int("capacity", s.cfg.QueueCapacity))
	}
	s.pending = append(s.pending, pendingJob{schedule: sched, firedAt: time.Now()})
	s.publish(events.JobQueued, events.BuildJobSubject(sched.Name), map[string]interface{}{
		"job":   sched.Name,
		"depth": len(s.pending),
	})
}

// drainLoop retries the head of the pending queue on a fixed tick.
func (s *Scheduler) drainLoop() {
	defer s.wg.Done()

	interval := s.cfg.DrainInterval()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.drainOne()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) drainOne() {
	s.mu.Lock()
	if len(s.pending) == 0 || s.busyLocked() {
		s.mu.Unlock()
		return
	}
	head := s.pending[0]
	if !s.admitLocked(head.schedule.Name) {
		// Skipped jobs leave the queue; they do not retry next tick.
		s.pending = s.pending[1:]
		s.mu.Unlock()
		return
	}
	s.pending = s.pending[1:]
	s.jobRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(head.schedule)
}

// runJob executes one schedule against its scheduler session.
func (s *Scheduler) runJob(sched Schedule) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.jobRunning = false
		s.mu.Unlock()
	}()

	started := time.Now()
	log := s.log.WithJob(sched.Name)
	log.Info("Job started", zap.String("component", "scheduler"))
	s.publish(events.JobStarted, events.BuildJobSubject(sched.Name), map[string]interface{}{
		"job": sched.Name,
	})

	id := identity.SchedulerRoute(sched.Name)
	sess, err := s.manager.GetSession(id)
	var output string
	if err == nil {
		output, err = sess.SendMessageStreaming(context.Background(), sched.Prompt, session.ContextCron, nil)
	}

	elapsed := time.Since(started)
	if err != nil {
		log.Error("Job failed",
			zap.String("component", "scheduler"),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		s.publish(events.JobFailed, events.BuildJobSubject(sched.Name), map[string]interface{}{
			"job":   sched.Name,
			"error": truncateDetail(err.Error()),
		})
	} else {
		log.Info("Job completed",
			zap.String("component", "scheduler"),
			zap.Duration("elapsed", elapsed))
		s.publish(events.JobCompleted, events.BuildJobSubject(sched.Name), map[string]interface{}{
			"job":        sched.Name,
			"elapsed_ms": elapsed.Milliseconds(),
		})
	}

	if sched.ShouldNotify() && s.notifier != nil {
		notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.notifier.NotifyJob(notifyCtx, sched.Name, err, output)
	}
}

func (s *Scheduler) publish(eventType, subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, "scheduler", data)); err != nil {
		s.log.Warn("Failed to publish scheduler event",
			zap.String("component", "scheduler"),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

// truncateDetail bounds and HTML-escapes error text bound for chat surfaces.
func truncateDetail(detail string) string {
	if len(detail) > notifyDetailLimit {
		detail = detail[:notifyDetailLimit] + "…"
	}
	return html.EscapeString(detail)
}
