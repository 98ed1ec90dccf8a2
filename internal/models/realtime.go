package models

// EventType names the frames pushed to live connections.
type EventType string

const (
	EventMessage   EventType = "message"
	EventRead      EventType = "read"
	EventAlert     EventType = "alert"
	EventError     EventType = "error"
	EventJoined    EventType = "joined"
)

// Event is the envelope delivered through the realtime fan-out.
// Seq is non-zero only for booking message events and orders them per booking.
type Event struct {
	Type      EventType `json:"type"`
	BookingID string    `json:"booking_id,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
	// Recipient is set for private events addressed to one user.
	Recipient string `json:"-"`

	Message *Message         `json:"message,omitempty"`
	Alert   *MonitoringAlert `json:"alert,omitempty"`
	Read    *ReadReceipt     `json:"read,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// ReadReceipt is the lightweight read-state event sent to the other participant.
type ReadReceipt struct {
	ReaderID string `json:"reader_id"`
	Count    int64  `json:"count"`
	UpToSeq  int64  `json:"up_to_seq"`
}

// ClientFrame is an inbound frame read from a live connection.
type ClientFrame struct {
	Type      string  `json:"type"` // "join", "leave", "message", "read"
	BookingID string  `json:"booking_id"`
	Content   string  `json:"content,omitempty"`
	MediaURL  *string `json:"media_url,omitempty"`
}
