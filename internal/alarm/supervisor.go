package alarm

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mpalomar/dosewatch/internal/alert"
	apperrors "github.com/mpalomar/dosewatch/internal/errors"
	"github.com/mpalomar/dosewatch/internal/ledger"
	"github.com/mpalomar/dosewatch/internal/metrics"
	"github.com/mpalomar/dosewatch/internal/store"
)

// HistoryStore records terminal alarm outcomes.
type HistoryStore interface {
	AppendDoseEvent(event *store.DoseEvent) error
}

// SupervisorConfig configures the alarm supervisor.
type SupervisorConfig struct {
	GracePeriod   time.Duration
	QueueCapacity int
}

// Supervisor owns the single active alarm session. The full-screen alarm
// surface is modal, so at most one session exists at a time; a fire that
// arrives while one is active queues behind it and is presented when the
// active session reaches a terminal state.
type Supervisor struct {
	mu     sync.Mutex
	active *Session
	arming bool
	queue  []alert.FiredEvent

	cfg     SupervisorConfig
	ledger  ledger.Confirmer
	store   SessionStore
	history HistoryStore
	logger  *zap.Logger
	metrics *metrics.Metrics

	clock    func() time.Time
	onChange func(Snapshot)
}

// NewSupervisor creates the application-lifetime alarm supervisor.
func NewSupervisor(cfg SupervisorConfig, lg ledger.Confirmer, st SessionStore, history HistoryStore, logger *zap.Logger, m *metrics.Metrics) *Supervisor {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 8
	}
	return &Supervisor{
		cfg:     cfg,
		ledger:  lg,
		store:   st,
		history: history,
		logger:  logger,
		metrics: m,
		clock:   time.Now,
	}
}

// SetClock overrides the supervisor clock; used by tests.
func (sv *Supervisor) SetClock(clock func() time.Time) {
	sv.clock = clock
}

// SetOnChange registers a listener for session state changes. Presentation
// surfaces subscribe here.
func (sv *Supervisor) SetOnChange(fn func(Snapshot)) {
	sv.onChange = fn
}

// SetGracePeriod updates the grace duration for sessions created from now
// on; the active session keeps its original deadline.
func (sv *Supervisor) SetGracePeriod(d time.Duration) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.cfg.GracePeriod = d
}

// HandleFired reacts to a delivery-channel fire. If no session is active
// the fire becomes the active session; otherwise it queues. Returns
// ErrSessionOccupied for queued fires.
func (sv *Supervisor) HandleFired(ev alert.FiredEvent) (*Session, error) {
	sv.mu.Lock()

	// arming reserves the slot while a session is being built; a
	// concurrent fire must queue, not build a second session whose
	// persist and grace timer would trample the winner's.
	if sv.active != nil || sv.arming {
		if len(sv.queue) >= sv.cfg.QueueCapacity {
			sv.mu.Unlock()
			sv.logger.Warn("Alarm queue full, dropping fire",
				zap.String("key", ev.Key),
				zap.String("item", ev.Payload.Name),
			)
			return nil, apperrors.ErrSessionOccupied
		}
		sv.queue = append(sv.queue, ev)
		sv.mu.Unlock()

		sv.logger.Info("Alarm queued behind active session",
			zap.String("key", ev.Key),
			zap.String("item", ev.Payload.Name),
		)
		if sv.metrics != nil {
			sv.metrics.AlarmsQueued.Inc()
		}
		return nil, apperrors.ErrSessionOccupied
	}

	sv.arming = true
	grace := sv.cfg.GracePeriod
	sv.mu.Unlock()

	session, err := NewSession(ev, sv.sessionOptions(grace))

	sv.mu.Lock()
	sv.arming = false
	installed := err == nil && !session.Snapshot().State.Terminal()
	if installed {
		sv.active = session
	}
	var next *alert.FiredEvent
	if sv.active == nil && len(sv.queue) > 0 {
		// the session never became presentable; give a fire that
		// queued behind the reservation its turn
		queued := sv.queue[0]
		sv.queue = sv.queue[1:]
		next = &queued
	}
	sv.mu.Unlock()

	if next != nil {
		if _, nextErr := sv.HandleFired(*next); nextErr != nil {
			sv.logger.Error("Failed to present queued alarm", zap.Error(nextErr))
		}
	}
	if err != nil {
		return nil, err
	}

	if installed {
		sv.logger.Info("Alarm session started",
			zap.String("session_id", session.ID()),
			zap.String("item", ev.Payload.Name),
			zap.String("kind", string(ev.Payload.Kind)),
		)
		if sv.metrics != nil {
			sv.metrics.AlarmsFired.Inc()
			sv.metrics.ActiveAlarm.Set(1)
		}
	}

	return session, nil
}

// Active returns the current session, or nil.
func (sv *Supervisor) Active() *Session {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.active
}

// Clear drops the active session reference without touching its state.
// Used on logout.
func (sv *Supervisor) Clear() {
	sv.mu.Lock()
	sv.active = nil
	sv.queue = nil
	sv.mu.Unlock()
	if sv.metrics != nil {
		sv.metrics.ActiveAlarm.Set(0)
	}
}

// RestoreFromStore rehydrates a persisted session after a restart. A
// corrupt slot is logged, cleared, and treated as no active session.
func (sv *Supervisor) RestoreFromStore() (*Session, error) {
	data, err := sv.store.LoadActiveAlarm()
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	sv.mu.Lock()
	grace := sv.cfg.GracePeriod
	sv.mu.Unlock()

	session, err := Restore(data, sv.sessionOptions(grace))
	if err != nil {
		sv.logger.Error("Discarding corrupt persisted alarm", zap.Error(err))
		if clearErr := sv.store.ClearActiveAlarm(); clearErr != nil {
			sv.logger.Error("Failed to clear corrupt alarm slot", zap.Error(clearErr))
		}
		return nil, nil
	}

	if session.Snapshot().State.Terminal() {
		// grace elapsed while the process was down; already recorded
		return nil, nil
	}

	sv.trySetActive(session)
	sv.logger.Info("Restored alarm session from durable store",
		zap.String("session_id", session.ID()),
		zap.String("item", session.Snapshot().ItemName),
	)
	if sv.metrics != nil {
		sv.metrics.ActiveAlarm.Set(1)
	}

	return session, nil
}

// trySetActive installs the session only when the slot is free.
func (sv *Supervisor) trySetActive(session *Session) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.active != nil {
		return false
	}
	sv.active = session
	return true
}

func (sv *Supervisor) sessionOptions(grace time.Duration) Options {
	return Options{
		GracePeriod: grace,
		Ledger:      sv.ledger,
		Store:       sv.store,
		Logger:      sv.logger,
		Metrics:     sv.metrics,
		Clock:       func() time.Time { return sv.clock() },
		OnTerminal:  sv.onTerminal,
		OnChange: func(snap Snapshot) {
			if sv.onChange != nil {
				sv.onChange(snap)
			}
		},
	}
}

// onTerminal records the outcome, frees the slot, and presents the next
// queued fire, if any.
func (sv *Supervisor) onTerminal(snap Snapshot) {
	sv.recordOutcome(snap)

	sv.mu.Lock()
	if sv.active != nil && sv.active.ID() == snap.ID {
		sv.active = nil
	}
	var next *alert.FiredEvent
	if len(sv.queue) > 0 {
		ev := sv.queue[0]
		sv.queue = sv.queue[1:]
		next = &ev
	}
	sv.mu.Unlock()

	if sv.metrics != nil {
		sv.metrics.ActiveAlarm.Set(0)
	}

	if next != nil {
		if _, err := sv.HandleFired(*next); err != nil {
			sv.logger.Error("Failed to present queued alarm", zap.Error(err))
		}
	}
}

func (sv *Supervisor) recordOutcome(snap Snapshot) {
	var outcome string
	switch snap.State {
	case StateConfirmed:
		outcome = store.OutcomeTaken
	case StateMissed:
		outcome = store.OutcomeMissed
	case StateDismissed:
		outcome = store.OutcomeDismissed
	default:
		return
	}

	if sv.metrics != nil {
		switch snap.State {
		case StateConfirmed:
			sv.metrics.DosesConfirmed.Inc()
			sv.metrics.PointsAwarded.Add(float64(snap.PointsAwarded))
		case StateMissed:
			sv.metrics.DosesMissed.Inc()
		case StateDismissed:
			sv.metrics.DosesDismissed.Inc()
		}
	}

	if sv.history == nil {
		return
	}

	event := &store.DoseEvent{
		MedicineItemID: snap.MedicineItemID,
		ItemName:       snap.ItemName,
		Dosage:         snap.Dosage,
		ScheduledAt:    snap.ScheduledAt,
		FiredAt:        snap.FiredAt,
		Outcome:        outcome,
		ConfirmedAt:    snap.ConfirmedAt,
		PointsAwarded:  snap.PointsAwarded,
	}
	if err := sv.history.AppendDoseEvent(event); err != nil {
		sv.logger.Error("Failed to record dose event",
			zap.String("session_id", snap.ID),
			zap.Error(err),
		)
	}
}
