package progress

import (
	"strconv"
)

// EventType classifies messages on a job's progress channel.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventStage     EventType = "stage"
	EventReady     EventType = "ready"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
)

// Event is one message on a progress channel. Percent is set for progress
// events; Data carries the stage label, artifact reference or message.
type Event struct {
	Type    EventType `json:"type"`
	Percent int       `json:"percent,omitempty"`
	Data    string    `json:"data,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventReady, EventError, EventCancelled:
		return true
	default:
		return false
	}
}

// Payload renders the event body as sent on the wire.
func (e Event) Payload() string {
	if e.Type == EventProgress {
		return strconv.Itoa(e.Percent)
	}
	return e.Data
}

// Progress builds a completion percentage event.
func Progress(pct int) Event { return Event{Type: EventProgress, Percent: pct} }

// Stage builds a phase label event.
func Stage(label string) Event { return Event{Type: EventStage, Data: label} }

// Ready builds the success event carrying the artifact reference.
func Ready(ref string) Event { return Event{Type: EventReady, Data: ref} }

// Error builds the failure event carrying the error message.
func Error(msg string) Event { return Event{Type: EventError, Data: msg} }

// Cancelled builds the cancellation event carrying a notice.
func Cancelled(msg string) Event { return Event{Type: EventCancelled, Data: msg} }

// Parse rebuilds an event from its wire name and payload.
func Parse(name, payload string) (Event, bool) {
	switch EventType(name) {
	case EventProgress:
		pct, err := strconv.Atoi(payload)
		if err != nil {
			return Event{}, false
		}
		return Progress(pct), true
	case EventStage, EventReady, EventError, EventCancelled:
		return Event{Type: EventType(name), Data: payload}, true
	default:
		return Event{}, false
	}
}
