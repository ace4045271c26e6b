// Package projector turns a medicine schedule into concrete future dose
// instants. Everything here is a pure function of its inputs: no clocks,
// no I/O, safe to call repeatedly with overlapping windows.
package projector

import (
	"math"
	"time"

	"github.com/mpalomar/dosewatch/internal/schedule"
)

// ActivityWindow is the daily span doses are distributed across,
// e.g. 8 to 22 places doses between 08:00 and 22:00.
type ActivityWindow struct {
	StartHour int
	EndHour   int
}

// Hours returns the width of the window in hours.
func (w ActivityWindow) Hours() int {
	return w.EndHour - w.StartHour
}

// ReminderInstance is one projected dose: an item plus the instant it is
// due. Instances are ephemeral; they are recomputed on every sync and never
// persisted remotely.
type ReminderInstance struct {
	ScheduleID     string
	MedicineItemID string
	ItemName       string
	Dosage         string
	ScheduledAt    time.Time
}

// Project returns the ordered dose instants for one item of one schedule
// that fall inside (windowStart, windowEnd]. Days outside the schedule's
// active span or off the gap cadence contribute nothing; instants at or
// before windowStart are dropped.
func Project(s schedule.MedicineSchedule, item schedule.MedicineItem, windowStart, windowEnd time.Time, win ActivityWindow) []ReminderInstance {
	if item.TimesPerDay < 1 || win.Hours() <= 0 || !windowStart.Before(windowEnd) {
		return nil
	}

	start := s.Start()
	end := s.End()

	slot := time.Duration(win.Hours()) * time.Hour / time.Duration(item.TimesPerDay)
	cadence := item.GapBetweenDays + 1

	var out []ReminderInstance

	day := midnight(windowStart)
	for ; !day.After(windowEnd); day = day.AddDate(0, 0, 1) {
		if day.Before(start) || !day.Before(end) {
			continue
		}
		if daysBetween(start, day)%cadence != 0 {
			continue
		}

		dayStart := day.Add(time.Duration(win.StartHour) * time.Hour)
		for k := 0; k < item.TimesPerDay; k++ {
			at := dayStart.Add(time.Duration(k) * slot)
			if !at.After(windowStart) || at.After(windowEnd) {
				continue
			}
			out = append(out, ReminderInstance{
				ScheduleID:     s.ID,
				MedicineItemID: item.ID,
				ItemName:       item.Name,
				Dosage:         item.Dosage,
				ScheduledAt:    at,
			})
		}
	}

	return out
}

// ProjectAll projects every item of every schedule and de-duplicates by
// (item, instant). Order is per-schedule, per-item, chronological.
func ProjectAll(schedules []schedule.MedicineSchedule, windowStart, windowEnd time.Time, win ActivityWindow) []ReminderInstance {
	seen := make(map[string]struct{})
	var out []ReminderInstance

	for _, s := range schedules {
		for _, item := range s.Items {
			for _, inst := range Project(s, item, windowStart, windowEnd, win) {
				k := inst.MedicineItemID + "|" + inst.ScheduledAt.Format(time.RFC3339)
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				out = append(out, inst)
			}
		}
	}

	return out
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// daysBetween counts calendar days from a to b. Rounding keeps the count
// stable across DST shifts, where a "day" is 23 or 25 hours long.
func daysBetween(a, b time.Time) int {
	return int(math.Round(b.Sub(a).Hours() / 24))
}
