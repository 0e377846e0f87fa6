package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"bidflow/internal/domain"
	"bidflow/internal/observability"
	"bidflow/internal/providers/twilio"
	sqsqueue "bidflow/internal/queue/sqs"
	"bidflow/internal/util"
)

type InboundQueue interface {
	EnqueueMessage(ctx context.Context, m domain.InboundMessage) error
	EnqueueStatus(ctx context.Context, ev sqsqueue.StatusEvent) error
}

// Webhook accepts provider callbacks and puts them on the inbound queue. It
// never runs coordination logic itself so Twilio gets a fast 200.
type Webhook struct {
	Queue           InboundQueue
	VerifySignature func(authToken, fullURL, provided string, form url.Values) bool
	AuthToken       string
	InboundURL      string
	StatusURL       string
}

func (w *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/twilio/inbound", w.handleInbound).Methods(http.MethodPost)
	mux.HandleFunc("/v1/webhooks/twilio/status", w.handleStatus).Methods(http.MethodPost)
}

// emptyTwiML tells Twilio not to reply on its own.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

func (w *Webhook) verified(rw http.ResponseWriter, r *http.Request, publicURL, kind string) bool {
	if err := r.ParseForm(); err != nil {
		observability.WebhookEvents.WithLabelValues(kind, "bad_form").Inc()
		http.Error(rw, ErrBadForm, http.StatusBadRequest)
		return false
	}
	if w.VerifySignature == nil || !w.VerifySignature(w.AuthToken, publicURL, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
		observability.WebhookEvents.WithLabelValues(kind, "bad_signature").Inc()
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return false
	}
	return true
}

func (w *Webhook) handleInbound(rw http.ResponseWriter, r *http.Request) {
	if !w.verified(rw, r, w.InboundURL, "inbound") {
		return
	}
	msg := twilio.ParseInbound(r.PostForm, util.NowUTC())
	if msg.MessageSID == "" || msg.From == "" {
		observability.WebhookEvents.WithLabelValues("inbound", "missing_fields").Inc()
		http.Error(rw, ErrMissingFields, http.StatusBadRequest)
		return
	}
	if err := w.Queue.EnqueueMessage(r.Context(), msg); err != nil {
		slog.Error("enqueue inbound message failed", "err", err, "message_sid", msg.MessageSID)
		observability.WebhookEvents.WithLabelValues("inbound", "enqueue_failed").Inc()
		// 5xx makes Twilio retry; the engine dedupes on MessageSid.
		http.Error(rw, ErrDependency, http.StatusServiceUnavailable)
		return
	}
	observability.WebhookEvents.WithLabelValues("inbound", "queued").Inc()
	rw.Header().Set("Content-Type", "text/xml")
	_, _ = rw.Write([]byte(emptyTwiML))
}

func (w *Webhook) handleStatus(rw http.ResponseWriter, r *http.Request) {
	if !w.verified(rw, r, w.StatusURL, "status") {
		return
	}
	ev := sqsqueue.StatusEvent{
		Provider:      "twilio",
		ProviderMsgID: r.PostForm.Get("MessageSid"),
		Status:        r.PostForm.Get("MessageStatus"),
		ErrorCode:     r.PostForm.Get("ErrorCode"),
		ReceivedAt:    util.NowUTC(),
	}
	if ev.ProviderMsgID == "" {
		http.Error(rw, ErrMissingFields, http.StatusBadRequest)
		return
	}
	if err := w.Queue.EnqueueStatus(r.Context(), ev); err != nil {
		slog.Error("enqueue status event failed", "err", err, "message_sid", ev.ProviderMsgID, "status", ev.Status)
		observability.WebhookEvents.WithLabelValues("status", "enqueue_failed").Inc()
		http.Error(rw, ErrDependency, http.StatusServiceUnavailable)
		return
	}
	observability.WebhookEvents.WithLabelValues("status", ev.Status).Inc()
	rw.WriteHeader(http.StatusOK)
}
