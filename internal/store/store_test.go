package store

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mpalomar/dosewatch/internal/schedule"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: ":memory:"}, &gorm.Config{})
	require.NoError(t, err)

	badgerDB, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { badgerDB.Close() })

	s, err := NewWithHandles(db, badgerDB)
	require.NoError(t, err)
	return s
}

func TestActiveAlarmSlot(t *testing.T) {
	s := setupTestStore(t)

	// empty slot reads as no alarm
	data, err := s.LoadActiveAlarm()
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, s.SaveActiveAlarm([]byte(`{"state":"grace_period"}`)))

	data, err = s.LoadActiveAlarm()
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"grace_period"}`, string(data))

	// overwrite replaces, not appends
	require.NoError(t, s.SaveActiveAlarm([]byte(`{"state":"fired"}`)))
	data, err = s.LoadActiveAlarm()
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"fired"}`, string(data))

	require.NoError(t, s.ClearActiveAlarm())
	data, err = s.LoadActiveAlarm()
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestScheduleCacheRoundTrip(t *testing.T) {
	s := setupTestStore(t)

	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	schedules := []schedule.MedicineSchedule{
		{
			ID:           "sched-1",
			PatientID:    "patient-1",
			StartDate:    start,
			DurationDays: 7,
			Items: []schedule.MedicineItem{
				{ID: "item-1", Name: "Lisinopril", Dosage: "10mg", TimesPerDay: 2, GapBetweenDays: 1},
			},
		},
	}

	require.NoError(t, s.ReplaceSchedules("patient-1", schedules))

	got, err := s.CachedSchedules("patient-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sched-1", got[0].ID)
	require.Len(t, got[0].Items, 1)
	assert.Equal(t, "Lisinopril", got[0].Items[0].Name)
	assert.Equal(t, 2, got[0].Items[0].TimesPerDay)
}

func TestReplaceSchedulesSwapsSet(t *testing.T) {
	s := setupTestStore(t)

	mk := func(id string) schedule.MedicineSchedule {
		return schedule.MedicineSchedule{
			ID: id, PatientID: "patient-1", StartDate: time.Now(), DurationDays: 3,
			Items: []schedule.MedicineItem{{ID: id + "-item", Name: "X", TimesPerDay: 1}},
		}
	}

	require.NoError(t, s.ReplaceSchedules("patient-1", []schedule.MedicineSchedule{mk("a"), mk("b")}))
	require.NoError(t, s.ReplaceSchedules("patient-1", []schedule.MedicineSchedule{mk("c")}))

	got, err := s.CachedSchedules("patient-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)
}

func TestDoseEventHistory(t *testing.T) {
	s := setupTestStore(t)

	now := time.Now()
	older := &DoseEvent{
		MedicineItemID: "item-1",
		ItemName:       "Metformin",
		ScheduledAt:    now.Add(-2 * time.Hour),
		FiredAt:        now.Add(-2 * time.Hour),
		Outcome:        OutcomeMissed,
	}
	newer := &DoseEvent{
		MedicineItemID: "item-1",
		ItemName:       "Metformin",
		ScheduledAt:    now.Add(-time.Hour),
		FiredAt:        now.Add(-time.Hour),
		Outcome:        OutcomeTaken,
		ConfirmedAt:    &now,
		PointsAwarded:  50,
	}

	require.NoError(t, s.AppendDoseEvent(older))
	require.NoError(t, s.AppendDoseEvent(newer))
	assert.NotEmpty(t, older.ID)

	events, err := s.ListDoseEvents(10, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, OutcomeTaken, events[0].Outcome)
	assert.Equal(t, 50, events[0].PointsAwarded)

	taken, err := s.CountDoseEvents(OutcomeTaken)
	require.NoError(t, err)
	assert.Equal(t, int64(1), taken)
}

func TestCountDoseEventsEmptyOutcomeCountsAll(t *testing.T) {
	s := setupTestStore(t)

	now := time.Now()
	require.NoError(t, s.AppendDoseEvent(&DoseEvent{
		MedicineItemID: "item-1",
		ItemName:       "Metformin",
		ScheduledAt:    now,
		FiredAt:        now,
		Outcome:        OutcomeTaken,
	}))
	require.NoError(t, s.AppendDoseEvent(&DoseEvent{
		MedicineItemID: "item-2",
		ItemName:       "Lisinopril",
		ScheduledAt:    now,
		FiredAt:        now,
		Outcome:        OutcomeMissed,
	}))

	total, err := s.CountDoseEvents("")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	missed, err := s.CountDoseEvents(OutcomeMissed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), missed)

	dismissed, err := s.CountDoseEvents(OutcomeDismissed)
	require.NoError(t, err)
	assert.Zero(t, dismissed)
}
