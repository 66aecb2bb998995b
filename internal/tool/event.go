package tool

import "time"

// EventType identifies the variant carried by an Event.
type EventType string

const (
	EventProgress EventType = "progress"
	EventPartial  EventType = "partial"
	EventFinal    EventType = "final"
	EventError    EventType = "error"
)

// Event is one item of a streaming invocation. Final and Error are terminal.
type Event struct {
	Type      EventType
	Progress  float64
	Message   string
	Timestamp time.Time
	Result    *Result
	Err       *Error
}

// Terminal reports whether no further events may follow e.
func (e Event) Terminal() bool {
	return e.Type == EventFinal || e.Type == EventError
}

// Progress builds a progress event. fraction is clamped to [0, 1].
func Progress(fraction float64, message string) Event {
	if fraction < 0 || fraction != fraction {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return Event{Type: EventProgress, Progress: fraction, Message: message, Timestamp: time.Now()}
}

func Partial(r *Result) Event {
	return Event{Type: EventPartial, Result: r, Timestamp: time.Now()}
}

func Final(r *Result) Event {
	if r == nil {
		r = NewResult()
	}
	return Event{Type: EventFinal, Result: r, Timestamp: time.Now()}
}

func Failure(err *Error) Event {
	return Event{Type: EventError, Err: err, Timestamp: time.Now()}
}
