// Package reminder maintains the 1:1 mapping from projected dose instants
// to armed delivery-channel alerts.
package reminder

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mpalomar/dosewatch/internal/alert"
	apperrors "github.com/mpalomar/dosewatch/internal/errors"
	"github.com/mpalomar/dosewatch/internal/metrics"
	"github.com/mpalomar/dosewatch/internal/projector"
)

// Key derives the delivery-channel key for an instance. The key is a pure
// function of (item, instant), which is what makes re-arming idempotent:
// the same projection always lands on the same key.
func Key(inst projector.ReminderInstance) string {
	sum := sha256.Sum256([]byte(inst.MedicineItemID + "|" + inst.ScheduledAt.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(sum[:])[:16]
}

// ArmedReminder is a snapshot row for introspection surfaces.
type ArmedReminder struct {
	Key            string    `json:"key"`
	MedicineItemID string    `json:"medicine_item_id"`
	ItemName       string    `json:"item_name"`
	Dosage         string    `json:"dosage,omitempty"`
	ScheduledAt    time.Time `json:"scheduled_at"`
}

// Scheduler owns the armed set.
type Scheduler struct {
	mu      sync.Mutex
	channel alert.Channel
	armed   map[string]projector.ReminderInstance
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewScheduler creates a reminder scheduler on top of a delivery channel.
func NewScheduler(channel alert.Channel, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		channel: channel,
		armed:   make(map[string]projector.ReminderInstance),
		logger:  logger,
		metrics: m,
	}
}

// ArmAll registers an alert for every instance not already armed and
// returns how many were newly armed. A rejected arm is logged and the batch
// continues; re-arming an armed key is a no-op.
func (s *Scheduler) ArmAll(instances []projector.ReminderInstance) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	armed := 0
	for _, inst := range instances {
		key := Key(inst)
		if _, ok := s.armed[key]; ok {
			continue
		}

		payload := alert.Payload{
			Kind:           alert.KindMedicine,
			MedicineItemID: inst.MedicineItemID,
			Name:           inst.ItemName,
			Dosage:         inst.Dosage,
			ScheduledAt:    inst.ScheduledAt,
		}

		if err := s.channel.Arm(key, inst.ScheduledAt, payload); err != nil {
			s.logger.Warn("Delivery channel rejected alert",
				zap.String("key", key),
				zap.String("item", inst.ItemName),
				zap.Time("scheduled_at", inst.ScheduledAt),
				zap.Error(apperrors.Wrap(err, apperrors.ErrArmRejected.Code, "arming failed")),
			)
			if s.metrics != nil {
				s.metrics.ArmFailures.Inc()
			}
			continue
		}

		s.armed[key] = inst
		armed++
	}

	if armed > 0 {
		s.logger.Info("Armed reminders", zap.Int("new", armed), zap.Int("total", len(s.armed)))
	}
	if s.metrics != nil {
		s.metrics.RemindersArmed.Add(float64(armed))
		s.metrics.ArmedAlerts.Set(float64(len(s.armed)))
	}

	return armed
}

// Disarm cancels a single alert, used when a fresher projection supersedes
// a dose instant.
func (s *Scheduler) Disarm(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.channel.Cancel(key)
	delete(s.armed, key)
	if s.metrics != nil {
		s.metrics.ArmedAlerts.Set(float64(len(s.armed)))
	}
}

// MarkFired drops a key from the armed set after its alert fired. The
// delivery channel has already forgotten it; only the map needs updating.
func (s *Scheduler) MarkFired(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.armed, key)
	if s.metrics != nil {
		s.metrics.ArmedAlerts.Set(float64(len(s.armed)))
	}
}

// CancelAll removes every armed alert; used on logout and schedule
// deletion. Safe to call while an ArmAll is in flight: whatever that arm
// registers afterwards simply fires later and is handled as a stray.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.channel.CancelAll()
	s.armed = make(map[string]projector.ReminderInstance)
	if s.metrics != nil {
		s.metrics.ArmedAlerts.Set(0)
	}

	s.logger.Info("Cancelled all armed reminders")
}

// Armed returns a snapshot of the armed set ordered by instant.
func (s *Scheduler) Armed() []ArmedReminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ArmedReminder, 0, len(s.armed))
	for key, inst := range s.armed {
		out = append(out, ArmedReminder{
			Key:            key,
			MedicineItemID: inst.MedicineItemID,
			ItemName:       inst.ItemName,
			Dosage:         inst.Dosage,
			ScheduledAt:    inst.ScheduledAt,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out
}
