package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mpalomar/dosewatch/internal/alarm"
	"github.com/mpalomar/dosewatch/internal/alert"
	"github.com/mpalomar/dosewatch/internal/config"
	"github.com/mpalomar/dosewatch/internal/store"
)

func newTestApp(t *testing.T) *App {
	t.Helper()

	dir := t.TempDir()
	cfg := &config.Config{
		Server:  config.ServerConfig{Address: "127.0.0.1", Port: 0, ReadTimeout: 5, WriteTimeout: 5},
		Storage: config.StorageConfig{DataDir: dir, SQLitePath: filepath.Join(dir, "test.db"), BadgerPath: filepath.Join(dir, "badger")},
		Sync:    config.SyncConfig{IntervalMinutes: 15, LookaheadHours: 48},
		Alarm:   config.AlarmConfig{GraceMinutes: 30, ActivityStartHour: 8, ActivityEndHour: 22, QueueCapacity: 4},
		Remote:  config.RemoteConfig{ScheduleBaseURL: "http://localhost:1", LedgerBaseURL: "http://localhost:1", TimeoutSeconds: 1},
		Security: config.SecurityConfig{
			JWTSecret:    "test-secret",
			AllowOrigins: []string{"*"},
		},
		Patient: config.PatientConfig{ID: "patient-1"},
	}

	st, err := store.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	a, err := New(cfg, st, zap.NewNop())
	require.NoError(t, err)
	return a
}

func TestNewWiresAllComponents(t *testing.T) {
	a := newTestApp(t)

	assert.NotNil(t, a.Channel)
	assert.NotNil(t, a.Scheduler)
	assert.NotNil(t, a.Supervisor)
	assert.NotNil(t, a.Syncer)
	assert.NotNil(t, a.Server)
	assert.NotNil(t, a.Telegram, "disabled telegram is still a usable no-op")
	assert.NotNil(t, a.Metrics)
}

func TestBroadcastFansOutToAllSubscribers(t *testing.T) {
	a := newTestApp(t)

	var first, second []alarm.State
	a.Subscribe(func(snap alarm.Snapshot) { first = append(first, snap.State) })
	a.Subscribe(func(snap alarm.Snapshot) { second = append(second, snap.State) })

	a.broadcast(alarm.Snapshot{State: alarm.StateFired})
	a.broadcast(alarm.Snapshot{State: alarm.StateGracePeriod})

	assert.Equal(t, []alarm.State{alarm.StateFired, alarm.StateGracePeriod}, first)
	assert.Equal(t, []alarm.State{alarm.StateFired, alarm.StateGracePeriod}, second)
}

func TestSupervisorChangesReachSubscribers(t *testing.T) {
	a := newTestApp(t)

	states := make(chan alarm.State, 8)
	a.Subscribe(func(snap alarm.Snapshot) { states <- snap.State })

	_, err := a.Supervisor.HandleFired(alert.FiredEvent{
		Key: "k1",
		Payload: alert.Payload{
			Kind:           alert.KindMedicine,
			MedicineItemID: "item-1",
			Name:           "Lisinopril",
			ScheduledAt:    time.Now(),
		},
		FiredAt: time.Now(),
	})
	require.NoError(t, err)

	// a new medicine session announces fired, then grace_period
	assert.Equal(t, alarm.StateFired, <-states)
	assert.Equal(t, alarm.StateGracePeriod, <-states)
}
