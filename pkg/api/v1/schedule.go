package v1

import (
	"encoding/json"
	"time"
)

// ScheduleKind determines how a schedule computes its next fire time and
// whether it survives firing.
type ScheduleKind string

const (
	// ScheduleDelayed fires once at now + delay, then is deleted.
	ScheduleDelayed ScheduleKind = "delayed"
	// ScheduleAbsolute fires once at a fixed time, then is deleted.
	ScheduleAbsolute ScheduleKind = "absolute"
	// ScheduleCron fires at the next match of a cron expression and
	// reschedules itself after every fire.
	ScheduleCron ScheduleKind = "cron"
	// ScheduleInterval fires every fixed period and reschedules itself.
	ScheduleInterval ScheduleKind = "interval"
)

// Schedule is a persisted callback registration owned by one agent instance.
type Schedule struct {
	ID       string          `json:"id"`
	Callback string          `json:"callback"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Kind     ScheduleKind    `json:"kind"`
	// Spec holds the kind-specific schedule expression: a duration string for
	// delayed/interval, an RFC3339 time for absolute, a cron expression for cron.
	Spec    string    `json:"spec"`
	NextRun time.Time `json:"next_run"`
	Created time.Time `json:"created_at"`
}

// OneShot reports whether the schedule is removed after firing.
func (s *Schedule) OneShot() bool {
	return s.Kind == ScheduleDelayed || s.Kind == ScheduleAbsolute
}
