package telemetry

// EventType names what a merger broadcast carries.
type EventType string

const (
	EventSampleAccepted EventType = "sample_accepted"
	EventSnapshot       EventType = "snapshot"
	EventPushStatus     EventType = "push_status"
)

// Event is one merger broadcast. Data holds a models.TelemetrySample,
// models.ChainSnapshot or PushStatus depending on Type.
type Event struct {
	Type EventType   `json:"type"`
	Data interface{} `json:"data"`
}

// PushStatus reports the live channel's connection state.
type PushStatus struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// Subscriber is a channel that receives events.
type Subscriber chan Event
