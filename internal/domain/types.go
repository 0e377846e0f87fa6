package domain

import "time"

// MessageState tracks an outbound message through the outbox and provider.
type MessageState string

const (
	StateQueued     MessageState = "queued"
	StateProcessing MessageState = "processing"
	StateSubmitted  MessageState = "submitted"
	StateDelivered  MessageState = "delivered"
	StateFailed     MessageState = "failed"
)

// Final reports whether the worker must leave the message alone.
func (s MessageState) Final() bool {
	return s == StateDelivered || s == StateFailed
}

type MessageKind string

const (
	KindText        MessageKind = "text"
	KindInteractive MessageKind = "interactive"
)

// InboundMessage is one WhatsApp message as received by the webhook.
type InboundMessage struct {
	MessageSID string    `json:"messageSid" validate:"required"`
	From       string    `json:"from" validate:"required"`
	Body       string    `json:"body"`
	Payload    string    `json:"payload,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Button is a quick-reply option on an interactive message.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Prompt is the structured body of an interactive message.
type Prompt struct {
	Body    string   `json:"body"`
	Buttons []Button `json:"buttons"`
}
