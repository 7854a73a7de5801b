package message

import "time"

// Message is a single log record pending shipment. Messages are immutable
// once created; the queue owns a message from enqueue until it is handed to
// a facade, and ownership returns to the queue on requeue.
type Message struct {
	// Timestamp is the record's origin time in milliseconds since epoch.
	Timestamp int64
	// Body is the rendered log line.
	Body []byte
}

// New creates a message stamped with the given time.
func New(ts time.Time, body []byte) *Message {
	return &Message{
		Timestamp: ts.UnixMilli(),
		Body:      body,
	}
}

// Size returns the raw byte size of the message body. Backend-specific
// per-message overhead is added by the facade, not here.
func (m *Message) Size() int {
	return len(m.Body)
}
