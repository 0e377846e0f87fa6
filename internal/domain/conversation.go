package domain

import "time"

// ConversationState is the step a vendor has reached while quoting a request.
type ConversationState string

const (
	ConvAwaitingPrice      ConversationState = "AWAITING_PRICE"
	ConvAwaitingNoteChoice ConversationState = "AWAITING_NOTE_CHOICE"
	ConvAwaitingNoteText   ConversationState = "AWAITING_NOTE_TEXT"
	ConvSubmitted          ConversationState = "SUBMITTED"
)

var conversationTransitions = map[ConversationState][]ConversationState{
	ConvAwaitingPrice:      {ConvAwaitingNoteChoice},
	ConvAwaitingNoteChoice: {ConvAwaitingNoteText, ConvSubmitted},
	ConvAwaitingNoteText:   {ConvSubmitted},
	ConvSubmitted:          nil,
}

func (s ConversationState) Valid() bool {
	_, ok := conversationTransitions[s]
	return ok
}

func (s ConversationState) CanTransition(to ConversationState) bool {
	for _, t := range conversationTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// VendorConversation is ephemeral, keyed by vendor phone.
type VendorConversation struct {
	State     ConversationState `json:"state"`
	RequestID string            `json:"requestId"`
	Price     int64             `json:"price,omitempty"`
	StartedAt time.Time         `json:"startedAt"`
}

// Advance moves the conversation to the next state or fails with a
// validation error when the table forbids it.
func (c *VendorConversation) Advance(to ConversationState) error {
	if !c.State.CanTransition(to) {
		return Validation("invalid_transition", "conversation cannot move from "+string(c.State)+" to "+string(to))
	}
	c.State = to
	return nil
}

// BatchState is ephemeral, keyed by request id. Used only by aggregation.
type BatchState struct {
	FirstOfferAt time.Time `json:"firstOfferAt"`
	Notified     bool      `json:"notified"`
	NotifiedAt   time.Time `json:"notifiedAt,omitempty"`
}
