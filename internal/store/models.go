package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mpalomar/dosewatch/internal/schedule"
)

// CachedSchedule is the last-known copy of a remote schedule, kept so a
// failed fetch can fall back to stale data instead of an empty set.
type CachedSchedule struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	PatientID    string    `gorm:"index" json:"patient_id"`
	StartDate    time.Time `json:"start_date"`
	DurationDays int       `json:"duration_days"`
	ItemsJSON    string    `json:"-" gorm:"type:text"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Schedule rebuilds the domain schedule from a cached row.
func (c CachedSchedule) Schedule() (schedule.MedicineSchedule, error) {
	var items []schedule.MedicineItem
	if err := json.Unmarshal([]byte(c.ItemsJSON), &items); err != nil {
		return schedule.MedicineSchedule{}, err
	}
	return schedule.MedicineSchedule{
		ID:           c.ID,
		PatientID:    c.PatientID,
		StartDate:    c.StartDate,
		DurationDays: c.DurationDays,
		Items:        items,
	}, nil
}

// Dose outcome values recorded on terminal alarm transitions.
const (
	OutcomeTaken     = "taken"
	OutcomeMissed    = "missed"
	OutcomeDismissed = "dismissed"
)

// DoseEvent is one row of the local adherence history: what happened to a
// fired alarm.
type DoseEvent struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	MedicineItemID string     `gorm:"index" json:"medicine_item_id"`
	ItemName       string     `json:"item_name"`
	Dosage         string     `json:"dosage,omitempty"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	FiredAt        time.Time  `json:"fired_at"`
	Outcome        string     `gorm:"index" json:"outcome"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
	PointsAwarded  int        `json:"points_awarded"`
	CreatedAt      time.Time  `json:"created_at"`
}

// BeforeCreate hook for DoseEvent
func (e *DoseEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
