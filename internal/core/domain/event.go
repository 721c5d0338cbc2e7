package domain

// EventType names an event sent to the browser signaling channel.
type EventType string

const (
	EventAnswer                  EventType = "answer"
	EventCandidate               EventType = "candidate"
	EventCallInitiated           EventType = "call-initiated"
	EventCallFailed              EventType = "call-failed"
	EventPermissionNeeded        EventType = "permission-needed"
	EventPermissionRequestSent   EventType = "permission-request-sent"
	EventPermissionRequestFailed EventType = "permission-request-failed"
	EventCallEnded               EventType = "call-ended"
	EventStartTimer              EventType = "start-timer"
)

// Event is a single message to the browser. Payload depends on the type:
// SDP for answers, serialized candidate for candidates, call ID, failure
// reason or call target for the rest.
type Event struct {
	Type    EventType
	Payload string
}

func NewEvent(t EventType, payload string) Event {
	return Event{Type: t, Payload: payload}
}
