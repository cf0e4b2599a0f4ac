package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/lupppig/backupx/internal/logger"
	"github.com/robfig/cron/v3"
)

// ScheduledComment is the comment attached to backups started by the timer.
const ScheduledComment = "scheduled"

// Trigger starts a backup. The scheduler only looks at whether it failed.
type Trigger func(ctx context.Context, comment string) error

type Config struct {
	// Interval between automatic backups. Ignored when Cron is set.
	Interval time.Duration
	// Cron is a standard five-field cron expression or descriptor such as "@daily".
	Cron   string
	Clock  clock.Clock
	Logger *logger.Logger
}

// Scheduler keeps at most one one-shot timer armed. Every change to the armed
// timer goes through Reset, which cancels before re-arming.
type Scheduler struct {
	clock    clock.Clock
	interval time.Duration
	schedule cron.Schedule
	trigger  Trigger
	log      *logger.Logger

	mu        sync.Mutex
	ctx       context.Context
	timer     clock.Timer
	gen       uint64
	lastReset time.Time
	next      time.Time
	started   bool
	stopped   bool
}

func New(cfg Config, trigger Trigger) (*Scheduler, error) {
	if trigger == nil {
		return nil, apperrors.New(apperrors.TypeInternal, "scheduler needs a trigger", "")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	s := &Scheduler{
		clock:    cfg.Clock,
		interval: cfg.Interval,
		trigger:  trigger,
		log:      cfg.Logger.With("component", "scheduler"),
		ctx:      context.Background(),
	}

	if cfg.Cron != "" {
		sched, err := cron.ParseStandard(cfg.Cron)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.TypeConfig, "invalid auto_backup_cron expression", "Use five cron fields, e.g. \"0 */6 * * *\", or a descriptor like \"@daily\".")
		}
		s.schedule = sched
	} else if cfg.Interval <= 0 {
		return nil, apperrors.New(apperrors.TypeConfig, "auto backup interval must be positive", "Set auto_backup_interval_minutes to a value above zero.")
	}

	return s, nil
}

// Start arms the first timer. Triggers run with ctx.
func (s *Scheduler) Start(ctx context.Context) time.Time {
	s.mu.Lock()
	s.ctx = ctx
	s.started = true
	s.stopped = false
	s.mu.Unlock()

	return s.Reset(false)
}

// Reset cancels the armed timer and, unless cancel is set, arms a new one for a
// full period starting now. It returns the next fire time, or the zero time when
// nothing is armed.
func (s *Scheduler) Reset(cancel bool) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.next = time.Time{}

	if cancel || s.stopped {
		return time.Time{}
	}

	now := s.clock.Now()
	next := s.nextAfter(now)
	gen := s.gen
	s.lastReset = now
	s.next = next
	// The callback may run while the clock holds its own lock.
	s.timer = s.clock.AfterFunc(next.Sub(now), func() { go s.fire(gen) })

	s.log.Debug("Automatic backup armed", "next", next.Format(time.DateTime))
	return next
}

// BackupCompleted is subscribed to the orchestrator's completion event.
func (s *Scheduler) BackupCompleted() {
	s.mu.Lock()
	active := s.started && !s.stopped
	s.mu.Unlock()

	if active {
		next := s.Reset(false)
		s.log.Info("Next automatic backup", "at", next.Format(time.DateTime))
	}
}

// Stop cancels the timer and ignores later completion events.
func (s *Scheduler) Stop() {
	s.Reset(true)

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// Next returns the armed fire time, or the zero time.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) LastReset() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReset
}

func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) nextAfter(now time.Time) time.Time {
	if s.schedule != nil {
		return s.schedule.Next(now)
	}
	return now.Add(s.interval)
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.next = time.Time{}
	ctx := s.ctx
	s.mu.Unlock()

	s.log.Info("Starting automatic backup")
	err := s.trigger(ctx, ScheduledComment)
	if err == nil {
		// A successful run resets the timer through BackupCompleted.
		return
	}

	if apperrors.IsType(err, apperrors.TypeAlreadyInProgress) {
		s.log.Warn("Automatic backup skipped, another backup is running")
	} else {
		s.log.Error("Automatic backup failed", "error", err)
	}

	s.mu.Lock()
	rearm := !s.stopped && s.timer == nil
	s.mu.Unlock()
	if rearm {
		next := s.Reset(false)
		s.log.Info("Next automatic backup", "at", next.Format(time.DateTime))
	}
}
