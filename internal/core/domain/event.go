package domain

import "time"

// EventType labels events pushed to the external UI/logging layer.
type EventType string

const (
	EventPeerConnected    EventType = "peer_connected"
	EventPeerDisconnected EventType = "peer_disconnected"
	EventShareOffered     EventType = "share_offered"
	EventShareStarted     EventType = "share_started"
	EventShareStopped     EventType = "share_stopped"
	EventStreamFault      EventType = "stream_fault"
	EventChatReceived     EventType = "chat_received"
	EventControlChanged   EventType = "control_changed"
	EventFileSignal       EventType = "file_signal"
	EventInputReceived    EventType = "input_received"
)

// Event is one structured signal for the external UI layer. The core never
// formats user-facing error strings; it emits these instead.
type Event struct {
	Type    EventType `json:"type"`
	Peer    PeerID    `json:"peer,omitempty"`
	Display DisplayID `json:"display,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}
