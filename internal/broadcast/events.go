package broadcast

import "time"

// Event types published on the event bus.
const (
	EventDelivered = "broadcast.delivered"
	EventFailed    = "broadcast.failed"
	EventScheduled = "broadcast.scheduled"
	EventFired     = "broadcast.fired"
	EventCancelled = "broadcast.cancelled"
)

// Job is a deferred broadcast. It is never mutated after creation.
type Job struct {
	ID         string    `json:"id"`
	Group      RoleGroup `json:"group"`
	MessageRef string    `json:"message_id"`
	Body       string    `json:"-"`
	FireAt     time.Time `json:"fire_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Outcome is the event payload of a finished or failed broadcast attempt.
// A zero Group is omitted from JSON.
type Outcome struct {
	Group      RoleGroup     `json:"group,omitempty"`
	MessageRef string        `json:"message_id"`
	ScheduleID string        `json:"schedule_id,omitempty"`
	Tally      DeliveryTally `json:"tally"`
	Err        string        `json:"error,omitempty"`
	At         time.Time     `json:"at"`
	Took       time.Duration `json:"took"`
}
