// Package schedule holds the prescribed medicine schedule model and the
// client for the remote schedule service.
package schedule

import (
	"fmt"
	"time"
)

// MedicineSchedule is one prescription: a start date, a duration in whole
// days, and the items administered over that span. Items are owned by the
// schedule; editing an item means replacing the schedule.
type MedicineSchedule struct {
	ID        string `json:"id"`
	PatientID string `json:"patient_id"`

	// StartDate carries a date only; the time-of-day portion is ignored.
	StartDate    time.Time `json:"start_date"`
	DurationDays int       `json:"duration_days"`

	Items []MedicineItem `json:"items"`
}

// MedicineItem is a single medicine within a schedule.
type MedicineItem struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Dosage string `json:"dosage"` // e.g. "10mg", "1 tablet"

	TimesPerDay int `json:"times_per_day"`

	// GapBetweenDays is the number of rest days between administration
	// days: 0 means every day, 1 means every other day.
	GapBetweenDays int `json:"gap_between_days"`
}

// Start returns the schedule's start date normalized to local midnight.
func (s MedicineSchedule) Start() time.Time {
	y, m, d := s.StartDate.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.StartDate.Location())
}

// End returns the first instant past the schedule's active window.
func (s MedicineSchedule) End() time.Time {
	return s.Start().AddDate(0, 0, s.DurationDays)
}

// ActiveAt reports whether the schedule is still running at the given time.
func (s MedicineSchedule) ActiveAt(now time.Time) bool {
	return s.DurationDays > 0 && now.Before(s.End())
}

// Validate checks the schedule invariants.
func (s MedicineSchedule) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("schedule id is empty")
	}
	if s.DurationDays <= 0 {
		return fmt.Errorf("schedule %s: duration_days must be positive", s.ID)
	}
	if len(s.Items) == 0 {
		return fmt.Errorf("schedule %s: no items", s.ID)
	}
	for _, item := range s.Items {
		if err := item.Validate(); err != nil {
			return fmt.Errorf("schedule %s: %w", s.ID, err)
		}
	}
	return nil
}

// Validate checks the item invariants.
func (i MedicineItem) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("item id is empty")
	}
	if i.Name == "" {
		return fmt.Errorf("item %s: name is empty", i.ID)
	}
	if i.TimesPerDay < 1 {
		return fmt.Errorf("item %s: times_per_day must be at least 1", i.ID)
	}
	if i.GapBetweenDays < 0 {
		return fmt.Errorf("item %s: gap_between_days cannot be negative", i.ID)
	}
	return nil
}
