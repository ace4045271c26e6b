// Package syncer implements the recurring background task that refreshes
// the schedule cache and re-arms dose reminders.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mpalomar/dosewatch/internal/metrics"
	"github.com/mpalomar/dosewatch/internal/projector"
	"github.com/mpalomar/dosewatch/internal/reminder"
	"github.com/mpalomar/dosewatch/internal/schedule"
)

// Config holds sync task tuning.
type Config struct {
	PatientID      string
	Interval       time.Duration // time between sync runs
	Lookahead      time.Duration // projection window length
	ActivityWindow projector.ActivityWindow
}

// ScheduleCache persists fetched schedules so reminders survive offline starts.
type ScheduleCache interface {
	ReplaceSchedules(patientID string, schedules []schedule.MedicineSchedule) error
	CachedSchedules(patientID string) ([]schedule.MedicineSchedule, error)
}

// Syncer periodically fetches active schedules, caches them, projects the
// upcoming dose instants and arms reminders for them. A fetch failure keeps
// the previously armed reminders untouched.
type Syncer struct {
	cfg       Config
	source    schedule.Source
	cache     ScheduleCache
	scheduler *reminder.Scheduler
	logger    *zap.Logger
	metrics   *metrics.Metrics

	cron    *cron.Cron
	entryID cron.EntryID
	syncing atomic.Bool
	running bool
	mu      sync.Mutex

	clock func() time.Time
}

// New creates a sync task. Interval and Lookahead must be positive.
func New(cfg Config, source schedule.Source, cache ScheduleCache, sched *reminder.Scheduler, logger *zap.Logger, m *metrics.Metrics) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 48 * time.Hour
	}
	return &Syncer{
		cfg:       cfg,
		source:    source,
		cache:     cache,
		scheduler: sched,
		logger:    logger,
		metrics:   m,
		clock:     time.Now,
	}
}

// SetClock overrides the time source for tests.
func (s *Syncer) SetClock(clock func() time.Time) {
	s.clock = clock
}

// SetInterval reschedules the recurring run. Applied live when the task is
// already running, so config hot reloads take effect without a restart.
func (s *Syncer) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Interval = d
	if s.running {
		s.cron.Remove(s.entryID)
		s.entryID, _ = s.cron.AddFunc(everySpec(d), s.runOnce)
	}
}

// SetLookahead updates the projection window for subsequent runs.
func (s *Syncer) SetLookahead(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.cfg.Lookahead = d
	s.mu.Unlock()
}

// Start runs an immediate sync and then schedules recurring runs.
func (s *Syncer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("syncer already running")
	}
	s.cron = cron.New()
	id, err := s.cron.AddFunc(everySpec(s.cfg.Interval), s.runOnce)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to schedule sync: %w", err)
	}
	s.entryID = id
	s.running = true
	s.mu.Unlock()

	// Prime reminders before the first tick.
	s.runOnce()
	s.cron.Start()

	s.logger.Info("Sync task started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("lookahead", s.cfg.Lookahead))
	return nil
}

// Stop halts recurring runs and waits for an in-flight run to finish.
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c := s.cron
	s.mu.Unlock()

	<-c.Stop().Done()
	s.logger.Info("Sync task stopped")
}

// SyncNow triggers a sync outside the recurring cadence (startup, manual
// refresh). Skips if a run is already in flight.
func (s *Syncer) SyncNow() {
	s.runOnce()
}

// runOnce performs one sync pass. Overlapping runs are skipped rather than
// queued; the next tick picks up whatever this one would have done.
func (s *Syncer) runOnce() {
	if !s.syncing.CompareAndSwap(false, true) {
		s.logger.Debug("Sync already in progress, skipping")
		if s.metrics != nil {
			s.metrics.SyncSkipped.Inc()
		}
		return
	}
	defer s.syncing.Store(false)

	if s.metrics != nil {
		s.metrics.SyncRuns.Inc()
	}

	s.mu.Lock()
	lookahead := s.cfg.Lookahead
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	schedules, err := s.source.ActiveSchedules(ctx, s.cfg.PatientID)
	if err != nil {
		// Previously armed reminders stay as they are; stale beats silent.
		s.logger.Warn("Schedule fetch failed, keeping armed reminders", zap.Error(err))
		if s.metrics != nil {
			s.metrics.SyncFailures.Inc()
		}
		return
	}

	if err := s.cache.ReplaceSchedules(s.cfg.PatientID, schedules); err != nil {
		s.logger.Warn("Failed to cache schedules", zap.Error(err))
	}

	now := s.clock()
	instances := projector.ProjectAll(schedules, now, now.Add(lookahead), s.cfg.ActivityWindow)
	armed := s.scheduler.ArmAll(instances)

	s.logger.Info("Sync completed",
		zap.Int("schedules", len(schedules)),
		zap.Int("projected", len(instances)),
		zap.Int("newly_armed", armed))
}

// ArmFromCache projects and arms from the local cache without a remote
// fetch. Used at startup so reminders exist even when the network is down.
func (s *Syncer) ArmFromCache() error {
	schedules, err := s.cache.CachedSchedules(s.cfg.PatientID)
	if err != nil {
		return err
	}
	now := s.clock()
	s.mu.Lock()
	lookahead := s.cfg.Lookahead
	s.mu.Unlock()

	instances := projector.ProjectAll(schedules, now, now.Add(lookahead), s.cfg.ActivityWindow)
	armed := s.scheduler.ArmAll(instances)
	s.logger.Info("Armed reminders from cache",
		zap.Int("schedules", len(schedules)),
		zap.Int("newly_armed", armed))
	return nil
}

func everySpec(d time.Duration) string {
	return "@every " + d.String()
}
