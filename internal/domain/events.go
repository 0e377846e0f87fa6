package domain

import "time"

// EventKind names a deferred check. Every kind re-reads live state when it
// fires and does nothing if its precondition no longer holds.
type EventKind string

const (
	EventWave2Check   EventKind = "wave2_check"
	EventTimeoutCheck EventKind = "timeout_check"
	EventSweepLosers  EventKind = "sweep_losers"
)

type EventState string

const (
	EventPending    EventState = "pending"
	EventProcessing EventState = "processing"
	EventDone       EventState = "done"
	EventFailed     EventState = "failed"
)

type ScheduledEvent struct {
	ID        string
	Kind      EventKind
	RequestID string
	FiresAt   time.Time
	Attempts  int
	LastError string
}

// EventID is deterministic so scheduling the same check twice is a no-op.
func EventID(kind EventKind, requestID string) string {
	return "evt_" + string(kind) + "_" + requestID
}
