// Package store provides the daemon's durable local storage: a SQLite
// database for the schedule cache and dose history, and BadgerDB for the
// single active-alarm slot that must survive process restarts.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	_ "github.com/glebarez/go-sqlite" // Pure Go SQLite driver
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mpalomar/dosewatch/internal/config"
	"github.com/mpalomar/dosewatch/internal/schedule"
)

// activeAlarmKey is the single Badger slot holding the serialized active
// alarm session.
const activeAlarmKey = "alarm:active"

// Store provides unified access to SQLite and BadgerDB
type Store struct {
	db     *gorm.DB
	badger *badger.DB
}

// New creates a new Store instance
func New(cfg *config.Config) (*Store, error) {
	sqlitePath := cfg.Storage.SQLitePath
	if sqlitePath == "" {
		sqlitePath = filepath.Join(cfg.Storage.DataDir, "dosewatch.db")
	}

	sqliteDB, err := sql.Open("sqlite", sqlitePath+"?_journal=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	sqliteDB.SetMaxOpenConns(10)
	sqliteDB.SetMaxIdleConns(5)
	sqliteDB.SetConnMaxLifetime(time.Hour)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqliteDB}, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if err := db.AutoMigrate(
		&CachedSchedule{},
		&DoseEvent{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	badgerPath := cfg.Storage.BadgerPath
	if badgerPath == "" {
		badgerPath = filepath.Join(cfg.Storage.DataDir, "badger")
	}

	badgerOpts := badger.DefaultOptions(badgerPath).
		WithLogger(nil).
		WithNumVersionsToKeep(1).
		WithCompactL0OnClose(true).
		WithValueLogFileSize(16 << 20).
		WithMemTableSize(16 << 20)

	badgerDB, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{
		db:     db,
		badger: badgerDB,
	}, nil
}

// NewWithHandles wires a Store from already-open databases; used by tests.
func NewWithHandles(db *gorm.DB, badgerDB *badger.DB) (*Store, error) {
	if err := db.AutoMigrate(&CachedSchedule{}, &DoseEvent{}); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return &Store{db: db, badger: badgerDB}, nil
}

// Close closes all database connections
func (s *Store) Close() error {
	return s.badger.Close()
}

// DB returns the GORM database instance
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ==================== Active Alarm Slot (BadgerDB) ====================

// SaveActiveAlarm overwrites the active-alarm slot atomically.
func (s *Store) SaveActiveAlarm(data []byte) error {
	return s.badger.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(activeAlarmKey), data)
	})
}

// LoadActiveAlarm returns the persisted alarm, or (nil, nil) when the slot
// is empty.
func (s *Store) LoadActiveAlarm() ([]byte, error) {
	var val []byte
	err := s.badger.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(activeAlarmKey))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = append([]byte{}, v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return val, err
}

// ClearActiveAlarm empties the active-alarm slot.
func (s *Store) ClearActiveAlarm() error {
	return s.badger.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(activeAlarmKey))
	})
}

// ==================== Schedule Cache ====================

// ReplaceSchedules swaps the cached schedule set for the given patient.
func (s *Store) ReplaceSchedules(patientID string, schedules []schedule.MedicineSchedule) error {
	rows := make([]CachedSchedule, 0, len(schedules))
	for _, sch := range schedules {
		items, err := json.Marshal(sch.Items)
		if err != nil {
			return fmt.Errorf("failed to serialize items for %s: %w", sch.ID, err)
		}
		rows = append(rows, CachedSchedule{
			ID:           sch.ID,
			PatientID:    patientID,
			StartDate:    sch.StartDate,
			DurationDays: sch.DurationDays,
			ItemsJSON:    string(items),
		})
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("patient_id = ?", patientID).Delete(&CachedSchedule{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
}

// CachedSchedules returns the last-known schedules for a patient. Rows that
// no longer deserialize are skipped.
func (s *Store) CachedSchedules(patientID string) ([]schedule.MedicineSchedule, error) {
	var rows []CachedSchedule
	if err := s.db.Where("patient_id = ?", patientID).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]schedule.MedicineSchedule, 0, len(rows))
	for _, row := range rows {
		sch, err := row.Schedule()
		if err != nil {
			continue
		}
		out = append(out, sch)
	}
	return out, nil
}

// ==================== Dose History ====================

// AppendDoseEvent records a terminal alarm outcome.
func (s *Store) AppendDoseEvent(event *DoseEvent) error {
	return s.db.Create(event).Error
}

// ListDoseEvents returns the adherence history, newest first.
func (s *Store) ListDoseEvents(limit, offset int) ([]DoseEvent, error) {
	var events []DoseEvent
	err := s.db.Order("fired_at DESC").Limit(limit).Offset(offset).Find(&events).Error
	return events, err
}

// CountDoseEvents returns the history size for the given outcome; an
// empty outcome counts every recorded event.
func (s *Store) CountDoseEvents(outcome string) (int64, error) {
	var count int64
	q := s.db.Model(&DoseEvent{})
	if outcome != "" {
		q = q.Where("outcome = ?", outcome)
	}
	err := q.Count(&count).Error
	return count, err
}
