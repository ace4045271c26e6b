package reminder

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/mpalomar/dosewatch/internal/alert"
	"github.com/mpalomar/dosewatch/internal/projector"
)

// fakeChannel records arm/cancel calls without real timers.
type fakeChannel struct {
	mu      sync.Mutex
	arms    map[string]int
	cancels []string
	failOn  map[string]bool
	fired   chan alert.FiredEvent
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		arms:   make(map[string]int),
		failOn: make(map[string]bool),
		fired:  make(chan alert.FiredEvent, 4),
	}
}

func (f *fakeChannel) Arm(key string, at time.Time, p alert.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[p.MedicineItemID] {
		return fmt.Errorf("permission revoked")
	}
	f.arms[key]++
	return nil
}

func (f *fakeChannel) Cancel(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, key)
	delete(f.arms, key)
}

func (f *fakeChannel) CancelAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arms = make(map[string]int)
	f.cancels = append(f.cancels, "*")
}

func (f *fakeChannel) Fired() <-chan alert.FiredEvent { return f.fired }

func (f *fakeChannel) armedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.arms)
}

func instances(n int) []projector.ReminderInstance {
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.Local)
	out := make([]projector.ReminderInstance, n)
	for i := range out {
		out[i] = projector.ReminderInstance{
			MedicineItemID: fmt.Sprintf("item-%d", i),
			ItemName:       fmt.Sprintf("Medicine %d", i),
			ScheduledAt:    base.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func TestKeyDeterministic(t *testing.T) {
	inst := instances(1)[0]
	assert.Equal(t, Key(inst), Key(inst))

	other := inst
	other.ScheduledAt = inst.ScheduledAt.Add(time.Minute)
	assert.NotEqual(t, Key(inst), Key(other))
}

func TestArmAllIdempotent(t *testing.T) {
	ch := newFakeChannel()
	s := NewScheduler(ch, zap.NewNop(), nil)
	set := instances(3)

	assert.Equal(t, 3, s.ArmAll(set))
	assert.Equal(t, 0, s.ArmAll(set))
	assert.Equal(t, 3, ch.armedCount())
}

func TestArmAllContinuesPastFailure(t *testing.T) {
	ch := newFakeChannel()
	ch.failOn["item-1"] = true
	s := NewScheduler(ch, zap.NewNop(), nil)

	armed := s.ArmAll(instances(3))
	assert.Equal(t, 2, armed)
	assert.Equal(t, 2, ch.armedCount())

	// the failed instance stays unarmed and is retried on the next run
	ch.mu.Lock()
	ch.failOn["item-1"] = false
	ch.mu.Unlock()
	assert.Equal(t, 1, s.ArmAll(instances(3)))
}

func TestDisarm(t *testing.T) {
	ch := newFakeChannel()
	s := NewScheduler(ch, zap.NewNop(), nil)
	set := instances(2)
	s.ArmAll(set)

	s.Disarm(Key(set[0]))
	assert.Equal(t, 1, ch.armedCount())

	// the disarmed instance can be re-armed by a fresh projection
	assert.Equal(t, 1, s.ArmAll(set))
}

func TestCancelAll(t *testing.T) {
	ch := newFakeChannel()
	s := NewScheduler(ch, zap.NewNop(), nil)
	s.ArmAll(instances(4))

	s.CancelAll()
	assert.Equal(t, 0, ch.armedCount())
	assert.Empty(t, s.Armed())
}

func TestMarkFiredAllowsRearm(t *testing.T) {
	ch := newFakeChannel()
	s := NewScheduler(ch, zap.NewNop(), nil)
	set := instances(1)
	s.ArmAll(set)

	s.MarkFired(Key(set[0]))
	assert.Empty(t, s.Armed())
	assert.Equal(t, 1, s.ArmAll(set))
}

func TestArmedSnapshotOrdered(t *testing.T) {
	ch := newFakeChannel()
	s := NewScheduler(ch, zap.NewNop(), nil)

	set := instances(3)
	// arm out of order
	s.ArmAll([]projector.ReminderInstance{set[2], set[0], set[1]})

	armed := s.Armed()
	assert.Len(t, armed, 3)
	for i := 1; i < len(armed); i++ {
		assert.True(t, armed[i-1].ScheduledAt.Before(armed[i].ScheduledAt))
	}
}
