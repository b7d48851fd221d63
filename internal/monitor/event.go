package monitor

import "time"

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventSessionStart    EventType = "session-start"
	EventSessionComplete EventType = "session-complete"
	EventSessionRestart  EventType = "session-restart"
	EventSessionTimeout  EventType = "session-timeout"
	EventSessionTeardown EventType = "session-teardown"
	EventSessionAbort    EventType = "session-abort"
)

// Event is the JSON structure pushed to every client.
type Event struct {
	Type            EventType `json:"type"`
	Session         string    `json:"session"` // %08x session ID
	Peer            string    `json:"peer,omitempty"`
	FileType        string    `json:"fileType,omitempty"`
	Bytes           uint32    `json:"bytes"`
	Total           uint32    `json:"total"`
	PacketsSent     int       `json:"packetsSent"`
	PacketsReceived int       `json:"packetsReceived"`
	Path            string    `json:"path,omitempty"` // stored file, on completion
	Time            time.Time `json:"time"`
}
