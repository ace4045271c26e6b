// Package alarm owns the lifecycle of a fired reminder: the grace-period
// state machine, its durable persistence, and the talk with the
// confirmation ledger.
package alarm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpalomar/dosewatch/internal/alert"
	apperrors "github.com/mpalomar/dosewatch/internal/errors"
	"github.com/mpalomar/dosewatch/internal/ledger"
	"github.com/mpalomar/dosewatch/internal/metrics"
)

// State is the alarm session lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateArmed       State = "armed"
	StateFired       State = "fired"
	StateGracePeriod State = "grace_period"
	StateConfirmed   State = "confirmed"
	StateMissed      State = "missed"
	StateDismissed   State = "dismissed"
)

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateMissed || s == StateDismissed
}

// SessionStore is the durable slot the active session is persisted to so a
// process restart can rebuild the alarm UI.
type SessionStore interface {
	SaveActiveAlarm(data []byte) error
	LoadActiveAlarm() ([]byte, error)
	ClearActiveAlarm() error
}

// Snapshot is an immutable view of session state for UIs and handlers.
type Snapshot struct {
	ID             string        `json:"id"`
	Kind           alert.Kind    `json:"kind"`
	Key            string        `json:"key"`
	MedicineItemID string        `json:"medicine_item_id"`
	ItemName       string        `json:"item_name"`
	Dosage         string        `json:"dosage,omitempty"`
	ScheduledAt    time.Time     `json:"scheduled_at"`
	FiredAt        time.Time     `json:"fired_at"`
	GraceEndsAt    time.Time     `json:"grace_ends_at,omitempty"`
	State          State         `json:"state"`
	ConfirmedAt    *time.Time    `json:"confirmed_at,omitempty"`
	PointsAwarded  int           `json:"points_awarded"`
	RemainingGrace time.Duration `json:"remaining_grace_ns"`
}

// Options configures a session.
type Options struct {
	GracePeriod time.Duration
	Ledger      ledger.Confirmer
	Store       SessionStore
	Logger      *zap.Logger
	Metrics     *metrics.Metrics

	// Clock is overridable for tests; defaults to time.Now.
	Clock func() time.Time

	// OnTerminal fires exactly once when the session ends.
	OnTerminal func(Snapshot)
	// OnChange fires on every state entry.
	OnChange func(Snapshot)
}

// Session is one fired reminder being handled. A session is created by the
// supervisor when the delivery channel fires and lives until a terminal
// state.
type Session struct {
	mu sync.Mutex

	id             string
	kind           alert.Kind
	key            string
	medicineItemID string
	itemName       string
	dosage         string
	scheduledAt    time.Time
	firedAt        time.Time
	graceEndsAt    time.Time

	state         State
	confirmedAt   *time.Time
	pointsAwarded int

	confirmInFlight bool
	graceElapsed    bool

	graceTimer *time.Timer
	opts       Options
}

// persistedSession is the durable wire form of an active session.
type persistedSession struct {
	ID             string     `json:"id"`
	Kind           alert.Kind `json:"kind"`
	Key            string     `json:"key"`
	MedicineItemID string     `json:"medicine_item_id"`
	ItemName       string     `json:"item_name"`
	Dosage         string     `json:"dosage,omitempty"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	FiredAt        time.Time  `json:"fired_at"`
	GraceEndsAt    time.Time  `json:"grace_ends_at"`
}

func (o *Options) clock() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now()
}

// NewSession builds a session from a fired alert, persists it, and for
// medicine alarms starts the grace countdown anchored at the fire instant.
func NewSession(ev alert.FiredEvent, opts Options) (*Session, error) {
	now := opts.clock()

	s := &Session{
		id:             uuid.NewString(),
		kind:           ev.Payload.Kind,
		key:            ev.Key,
		medicineItemID: ev.Payload.MedicineItemID,
		itemName:       ev.Payload.Name,
		dosage:         ev.Payload.Dosage,
		scheduledAt:    ev.Payload.ScheduledAt,
		firedAt:        ev.FiredAt,
		state:          StateFired,
		opts:           opts,
	}
	if s.firedAt.IsZero() {
		s.firedAt = now
	}

	if s.kind == alert.KindMedicine {
		s.graceEndsAt = s.firedAt.Add(opts.GracePeriod)
	}

	if err := s.persist(); err != nil {
		return nil, err
	}

	s.notifyChange(s.snapshotLocked())

	if s.kind == alert.KindMedicine {
		s.mu.Lock()
		s.state = StateGracePeriod
		s.startGraceTimerLocked()
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.notifyChange(snap)
	}

	return s, nil
}

// Restore rebuilds a session from its persisted form after a process
// restart. A medicine session whose grace period elapsed while the process
// was dead goes straight to Missed with no ledger call; the original
// deadline is never recomputed.
func Restore(data []byte, opts Options) (*Session, error) {
	var p persistedSession
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrPersistenceCorrupt.Code, "stored alarm cannot be decoded")
	}
	if p.ID == "" || p.Kind == "" {
		return nil, apperrors.New(apperrors.ErrPersistenceCorrupt.Code, "stored alarm is missing identity")
	}

	s := &Session{
		id:             p.ID,
		kind:           p.Kind,
		key:            p.Key,
		medicineItemID: p.MedicineItemID,
		itemName:       p.ItemName,
		dosage:         p.Dosage,
		scheduledAt:    p.ScheduledAt,
		firedAt:        p.FiredAt,
		graceEndsAt:    p.GraceEndsAt,
		state:          StateFired,
		opts:           opts,
	}

	now := opts.clock()

	if s.kind == alert.KindMedicine {
		if !now.Before(s.graceEndsAt) {
			s.mu.Lock()
			snap, terminal := s.finishLocked(StateMissed)
			s.mu.Unlock()
			s.emit(snap, terminal)
			return s, nil
		}

		s.mu.Lock()
		s.state = StateGracePeriod
		s.startGraceTimerLocked()
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.notifyChange(snap)
	}

	return s, nil
}

// Confirm records the dose with the ledger. The session leaves the
// confirmable state before the call resolves, so a second invocation can
// never produce a second ledger call.
func (s *Session) Confirm(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.kind != alert.KindMedicine || s.state != StateGracePeriod || s.confirmInFlight {
		s.mu.Unlock()
		return 0, apperrors.ErrWrongState
	}
	s.confirmInFlight = true
	takenAt := s.opts.clock()
	s.mu.Unlock()

	points, err := s.opts.Ledger.ConfirmDose(ctx, s.medicineItemID, takenAt)

	s.mu.Lock()
	s.confirmInFlight = false

	switch {
	case err == nil:
		s.confirmedAt = &takenAt
		s.pointsAwarded = points
		snap, terminal := s.finishLocked(StateConfirmed)
		s.mu.Unlock()
		s.emit(snap, terminal)
		return points, nil

	case errors.Is(err, apperrors.ErrConfirmExpired) || errors.Is(err, apperrors.ErrAlreadyConfirmed):
		// the ledger is the final arbiter: no points, dose is missed
		reason := "expired"
		if errors.Is(err, apperrors.ErrAlreadyConfirmed) {
			reason = "already_confirmed"
		}
		s.countConfirmFailure(reason)
		snap, terminal := s.finishLocked(StateMissed)
		s.mu.Unlock()
		s.emit(snap, terminal)
		return 0, err

	default:
		// transient: stay confirmable unless the grace window closed
		// while the call was in flight
		s.countConfirmFailure("transient")
		if s.graceElapsed || !s.opts.clock().Before(s.graceEndsAt) {
			snap, terminal := s.finishLocked(StateMissed)
			s.mu.Unlock()
			s.emit(snap, terminal)
			return 0, err
		}
		s.mu.Unlock()
		return 0, err
	}
}

func (s *Session) countConfirmFailure(reason string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.ConfirmFailures.WithLabelValues(reason).Inc()
	}
}

// Dismiss ends the session without points. Medicine alarms require the
// caller to pass the result of an explicit safety prompt; appointments
// dismiss unconditionally.
func (s *Session) Dismiss(prompted bool) error {
	s.mu.Lock()

	if s.state.Terminal() {
		s.mu.Unlock()
		return apperrors.ErrWrongState
	}

	if s.kind == alert.KindMedicine {
		if s.state != StateGracePeriod && s.state != StateFired {
			s.mu.Unlock()
			return apperrors.ErrWrongState
		}
		if !prompted {
			s.mu.Unlock()
			return apperrors.ErrDismissalUnconfirmed
		}
	}

	snap, terminal := s.finishLocked(StateDismissed)
	s.mu.Unlock()
	s.emit(snap, terminal)
	return nil
}

// Snapshot returns the current state for rendering.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Kind returns the alarm kind.
func (s *Session) Kind() alert.Kind {
	return s.kind
}

// ID returns the session identity.
func (s *Session) ID() string {
	return s.id
}

// expire is driven by the grace timer.
func (s *Session) expire() {
	s.mu.Lock()

	if s.state != StateGracePeriod {
		s.mu.Unlock()
		return
	}
	if s.confirmInFlight {
		// let the in-flight confirm decide; the ledger outranks the
		// local clock
		s.graceElapsed = true
		s.mu.Unlock()
		return
	}

	snap, terminal := s.finishLocked(StateMissed)
	s.mu.Unlock()
	s.emit(snap, terminal)
}

// finishLocked enters a terminal state, stops the timer, and clears the
// durable slot. Callers emit the returned snapshot after unlocking.
func (s *Session) finishLocked(state State) (Snapshot, bool) {
	s.state = state

	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}

	if err := s.opts.Store.ClearActiveAlarm(); err != nil {
		s.opts.Logger.Error("Failed to clear persisted alarm",
			zap.String("session_id", s.id),
			zap.Error(err),
		)
	}

	s.opts.Logger.Info("Alarm session ended",
		zap.String("session_id", s.id),
		zap.String("item", s.itemName),
		zap.String("state", string(state)),
		zap.Int("points", s.pointsAwarded),
	)

	return s.snapshotLocked(), true
}

func (s *Session) startGraceTimerLocked() {
	d := s.graceEndsAt.Sub(s.opts.clock())
	s.graceTimer = time.AfterFunc(d, s.expire)
}

func (s *Session) persist() error {
	data, err := json.Marshal(persistedSession{
		ID:             s.id,
		Kind:           s.kind,
		Key:            s.key,
		MedicineItemID: s.medicineItemID,
		ItemName:       s.itemName,
		Dosage:         s.dosage,
		ScheduledAt:    s.scheduledAt,
		FiredAt:        s.firedAt,
		GraceEndsAt:    s.graceEndsAt,
	})
	if err != nil {
		return err
	}
	return s.opts.Store.SaveActiveAlarm(data)
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:             s.id,
		Kind:           s.kind,
		Key:            s.key,
		MedicineItemID: s.medicineItemID,
		ItemName:       s.itemName,
		Dosage:         s.dosage,
		ScheduledAt:    s.scheduledAt,
		FiredAt:        s.firedAt,
		GraceEndsAt:    s.graceEndsAt,
		State:          s.state,
		ConfirmedAt:    s.confirmedAt,
		PointsAwarded:  s.pointsAwarded,
	}
	if s.state == StateGracePeriod {
		if remaining := s.graceEndsAt.Sub(s.opts.clock()); remaining > 0 {
			snap.RemainingGrace = remaining
		}
	}
	return snap
}

func (s *Session) emit(snap Snapshot, terminal bool) {
	s.notifyChange(snap)
	if terminal && s.opts.OnTerminal != nil {
		s.opts.OnTerminal(snap)
	}
}

func (s *Session) notifyChange(snap Snapshot) {
	if s.opts.OnChange != nil {
		s.opts.OnChange(snap)
	}
}
