package camlink

import "time"

// EventType names a pipeline occurrence worth reporting off-box
type EventType string

const (
	EventFrameDropped     EventType = "frame_dropped"
	EventFramePartial     EventType = "frame_partial"
	EventHandoffComplete  EventType = "handoff_complete"
	EventHandoffTimeout   EventType = "handoff_timeout"
	EventHandoffFailed    EventType = "handoff_failed"
	EventRecovered        EventType = "recovered"
	EventCameraConnect    EventType = "camera_connected"
	EventCameraDisconnect EventType = "camera_disconnected"
)

// Event is emitted to the registered EventFunc. Handlers run on pipeline
// goroutines and must not block.
type Event struct {
	Type      EventType `json:"type" msgpack:"type"`
	Camera    string    `json:"camera" msgpack:"camera"`
	TraceID   string    `json:"trace_id,omitempty" msgpack:"trace_id,omitempty"`
	Fragments int       `json:"fragments,omitempty" msgpack:"fragments,omitempty"`
	Error     string    `json:"error,omitempty" msgpack:"error,omitempty"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// EventFunc receives pipeline events
type EventFunc func(Event)
