package domain

import "time"

// EventType defines the type of real-time event.
type EventType string

const (
	EventNewReply     EventType = "ticket:new-reply"
	EventStatusChange EventType = "ticket:status-change"
)

// Event is the payload sent over WebSocket. TicketID routes the event to
// the matching ticket room.
type Event struct {
	Type     EventType   `json:"type"`
	Payload  interface{} `json:"payload"`
	TicketID int64       `json:"ticketId"`
}

// NewReplyPayload carries a freshly committed comment together with a
// snapshot of the ticket it landed on.
type NewReplyPayload struct {
	Comment   *Comment  `json:"comment"`
	Ticket    *Ticket   `json:"ticket"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusChangePayload announces an explicit status edit.
type StatusChangePayload struct {
	TicketID  int64        `json:"ticketId"`
	NewStatus TicketStatus `json:"newStatus"`
}
