package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
	"time"

	"bidflow/internal/domain"
	"bidflow/internal/util"
)

// VerifySignature checks the X-Twilio-Signature header of a webhook.
func VerifySignature(authToken, fullURL, provided string, form url.Values) bool {
	return hmac.Equal([]byte(Sign(authToken, fullURL, form)), []byte(provided))
}

// Sign computes the X-Twilio-Signature for a form posted to fullURL.
func Sign(authToken, fullURL string, form url.Values) string {
	// Build: fullURL + concatenated sorted key + value
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ParseInbound maps a WhatsApp message webhook to an InboundMessage. Button
// taps carry the button id in ButtonPayload.
func ParseInbound(form url.Values, now time.Time) domain.InboundMessage {
	return domain.InboundMessage{
		MessageSID: form.Get("MessageSid"),
		From:       util.NormalizePhone(form.Get("From")),
		Body:       strings.TrimSpace(form.Get("Body")),
		Payload:    strings.TrimSpace(form.Get("ButtonPayload")),
		ReceivedAt: now,
	}
}

// MapStatus converts a Twilio message status to our delivery state.
func MapStatus(status string) (domain.MessageState, bool) {
	switch strings.ToLower(status) {
	case "queued", "accepted", "sending", "sent":
		return domain.StateSubmitted, true
	case "delivered", "read":
		return domain.StateDelivered, true
	case "failed", "undelivered":
		return domain.StateFailed, true
	}
	return "", false
}
