// Package alert defines the delivery channel: the facility that fires an
// alert at a future instant regardless of what the rest of the process is
// doing. Consumers drive alarm handling by reading from Fired rather than
// being called back from an arbitrary goroutine.
package alert

import "time"

// Kind distinguishes medicine alarms, which carry a grace period, from
// appointment alarms, which can be dismissed freely.
type Kind string

const (
	KindMedicine    Kind = "medicine"
	KindAppointment Kind = "appointment"
)

// Payload carries the display fields an armed alert fires with.
type Payload struct {
	Kind           Kind      `json:"kind"`
	MedicineItemID string    `json:"medicine_item_id"`
	Name           string    `json:"name"`
	Dosage         string    `json:"dosage,omitempty"`
	ScheduledAt    time.Time `json:"scheduled_at"`
}

// FiredEvent is emitted on the Fired channel when an armed alert goes off.
type FiredEvent struct {
	Key     string
	Payload Payload
	FiredAt time.Time
}

// Channel registers future alerts and emits them when due.
type Channel interface {
	Arm(key string, at time.Time, payload Payload) error
	Cancel(key string)
	CancelAll()
	Fired() <-chan FiredEvent
}
