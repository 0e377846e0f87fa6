package store

import (
	"time"

	"bidflow/internal/domain"
)

// OutboundInsert is one row of the outbound message outbox. DedupKey, when
// set, makes the insert a no-op for a message that was already queued.
type OutboundInsert struct {
	ID       string
	DedupKey string
	To       string
	Kind     domain.MessageKind
	Body     string
	Buttons  []domain.Button
	Now      time.Time
}

type OutboundMessage struct {
	ID            string
	DedupKey      string
	To            string
	Kind          domain.MessageKind
	Body          string
	Buttons       []domain.Button
	State         domain.MessageState
	Provider      string
	ProviderMsgID string
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type MessageStateUpdate struct {
	ID        string
	State     domain.MessageState
	LastError string
	Now       time.Time
}

type ProviderDetailsUpdate struct {
	ID            string
	Provider      string
	ProviderMsgID string
	State         domain.MessageState
	Now           time.Time
}

type ProviderAttempt struct {
	MessageID     string
	Provider      string
	ProviderMsgID string
	HTTPStatus    int
	ErrorCode     string
	ErrorMsg      string
	RequestJSON   any
	ResponseJSON  any
}

type DeliveryEvent struct {
	Provider      string
	ProviderMsgID string
	VendorStatus  string
	ErrorCode     string
	Payload       any
	OccurredAt    *time.Time
}

type ProviderMsgUpdate struct {
	Provider      string
	ProviderMsgID string
	NewState      domain.MessageState
	LastError     string
	Now           time.Time
}

// WaveUpdate records one dispatch wave. It applies only when the request is
// still at wave Wave-1, which makes re-running a wave a no-op.
type WaveUpdate struct {
	RequestID       string
	Wave            int
	Invited         []string
	FullyDispatched bool
	TotalAvailable  int
	Now             time.Time
}
