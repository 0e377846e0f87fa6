package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func newULID(prefix string) string {
	// ULID is sortable (nice for DB indexes and dashboards)
	t := time.Now().UTC()
	return prefix + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewMessageID() string { return newULID("msg_") }
func NewOfferID() string   { return newULID("off_") }

// NewRequestID is shown to customers as their tracking reference.
func NewRequestID() string { return newULID("REQ_") }

// NewSecurityToken is the capability credential carried by public tracking links.
func NewSecurityToken() string {
	return uuid.NewString()
}

// ShortRef is the human-friendly tail of a request id used in chat.
func ShortRef(requestID string) string {
	id := strings.TrimPrefix(requestID, "REQ_")
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return "REQ_" + id
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
