// Package worker delivers outbox messages to the provider.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"bidflow/internal/domain"
	"bidflow/internal/messaging"
	"bidflow/internal/observability"
	"bidflow/internal/providers/twilio"
	sqsqueue "bidflow/internal/queue/sqs"
	"bidflow/internal/store"
	"bidflow/internal/util"
)

type Store interface {
	GetOutbound(ctx context.Context, id string) (store.OutboundMessage, bool, error)
	ClaimMessage(ctx context.Context, msgID string, now time.Time, staleAfter time.Duration) (bool, error)
	InsertAttempt(ctx context.Context, in store.ProviderAttempt) error
	SetProviderDetails(ctx context.Context, in store.ProviderDetailsUpdate) error
	MarkMessageState(ctx context.Context, in store.MessageStateUpdate) error
}

type Sender interface {
	SendMessage(ctx context.Context, req twilio.SendRequest) (twilio.SendResponse, int, []byte, error)
}

// Templates turns an interactive prompt into a content template.
type Templates interface {
	QuickReply(ctx context.Context, p domain.Prompt) (string, map[string]string, error)
}

type Processor struct {
	Store     Store
	Sender    Sender
	Templates Templates
	Limiter   *rate.Limiter
	Breaker   *gobreaker.CircuitBreaker

	StatusCallbackURL string
	StaleAfter        time.Duration
	Now               func() time.Time
}

const provider = "twilio"

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return util.NowUTC()
}

// Process delivers one outbox row. Returning an error leaves the job on the
// queue for redrive; permanent failures are recorded and acknowledged.
func (p *Processor) Process(ctx context.Context, job sqsqueue.OutboundJob) error {
	msg, ok, err := p.Store.GetOutbound(ctx, job.MessageID)
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("outbound job for unknown message", "message_id", job.MessageID)
		return nil
	}

	// Idempotent consumer: skip final or already submitted with SID
	if msg.State.Final() || (msg.State == domain.StateSubmitted && msg.ProviderMsgID != "") {
		return nil
	}
	stale := p.StaleAfter
	if stale <= 0 {
		stale = 2 * time.Minute
	}
	claimed, err := p.Store.ClaimMessage(ctx, msg.ID, p.now(), stale)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	req := p.request(ctx, msg)

	// Send with small retries on transient issues
	var lastErr error
	start := time.Now()

	for attempt := 0; attempt < 3; attempt++ {
		// 1) Rate limit before calling Twilio (per pod)
		if p.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
			err := p.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				observability.TwilioSend.WithLabelValues("rate_limited_local", "0").Inc()
				lastErr = err
				time.Sleep(200 * time.Millisecond)
				continue
			}
		}

		// 2) Circuit breaker wraps the Twilio call
		resAny, err := p.executeWithBreaker(ctx, req)

		// 3) Breaker open: fail fast and let SQS redrive later
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.TwilioSend.WithLabelValues("cb_open", "0").Inc()
			p.requeue(ctx, msg.ID, "circuit_open")
			return err
		}

		var httpStatus int
		var raw []byte

		if err == nil {
			r := resAny.(sendResult)
			httpStatus, raw = r.httpStatus, r.raw

			observability.TwilioSend.WithLabelValues("ok", strconv.Itoa(httpStatus)).Inc()
			observability.TwilioLatency.Observe(time.Since(start).Seconds())

			p.attempt(ctx, store.ProviderAttempt{
				MessageID: msg.ID, Provider: provider, ProviderMsgID: r.resp.Sid, HTTPStatus: httpStatus,
				RequestJSON: attemptRequest(msg, req), ResponseJSON: jsonRaw(raw),
			})
			return p.Store.SetProviderDetails(ctx, store.ProviderDetailsUpdate{
				ID: msg.ID, Provider: provider, ProviderMsgID: r.resp.Sid, State: domain.StateSubmitted, Now: p.now(),
			})
		}

		lastErr = err

		var tce twilioCallError
		if errors.As(err, &tce) {
			httpStatus = tce.httpStatus
			raw = tce.raw
		}

		observability.TwilioSend.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()

		p.attempt(ctx, store.ProviderAttempt{
			MessageID: msg.ID, Provider: provider, HTTPStatus: httpStatus, ErrorMsg: err.Error(),
			RequestJSON: attemptRequest(msg, req), ResponseJSON: jsonRaw(raw),
		})

		if !twilio.ShouldRetry(err, httpStatus) {
			p.mark(ctx, msg.ID, domain.StateFailed, "twilio_non_retryable")
			slog.Error("outbound message failed", "message_id", msg.ID, "http_status", httpStatus, "err", err)
			return nil
		}

		time.Sleep(twilio.Backoff(attempt))
	}

	p.requeue(ctx, msg.ID, "twilio_retry_exhausted")
	return lastErr
}

// request builds the provider call. Interactive prompts fall back to a
// numbered text rendering when no template can be made.
func (p *Processor) request(ctx context.Context, msg store.OutboundMessage) twilio.SendRequest {
	req := twilio.SendRequest{To: msg.To, Body: msg.Body, StatusCallbackURL: p.StatusCallbackURL}
	if msg.Kind != domain.KindInteractive || len(msg.Buttons) == 0 {
		return req
	}
	prompt := domain.Prompt{Body: msg.Body, Buttons: msg.Buttons}
	if p.Templates != nil {
		sid, vars, err := p.Templates.QuickReply(ctx, prompt)
		if err == nil {
			req.ContentSID, req.ContentVariables = sid, vars
			return req
		}
		slog.Warn("quick reply template unavailable, sending text", "err", err, "message_id", msg.ID)
	}
	req.Body = messaging.TextFallback(prompt)
	return req
}

func (p *Processor) executeWithBreaker(ctx context.Context, req twilio.SendRequest) (any, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
		defer cancel()

		resp, httpStatus, raw, callErr := p.Sender.SendMessage(reqCtx, req)
		if callErr != nil {
			return nil, twilioCallError{err: callErr, httpStatus: httpStatus, raw: raw}
		}
		return sendResult{resp: resp, httpStatus: httpStatus, raw: raw}, nil
	}

	if p.Breaker == nil {
		return call()
	}
	return p.Breaker.Execute(call)
}

func (p *Processor) attempt(ctx context.Context, in store.ProviderAttempt) {
	if err := p.Store.InsertAttempt(ctx, in); err != nil {
		slog.Warn("record provider attempt", "err", err, "message_id", in.MessageID)
	}
}

func (p *Processor) mark(ctx context.Context, id string, state domain.MessageState, reason string) {
	if err := p.Store.MarkMessageState(ctx, store.MessageStateUpdate{ID: id, State: state, LastError: reason, Now: p.now()}); err != nil {
		slog.Error("mark message state", "err", err, "message_id", id, "state", state)
	}
}

// requeue hands the claim back so the redelivered job can take it.
func (p *Processor) requeue(ctx context.Context, id, reason string) {
	p.mark(ctx, id, domain.StateQueued, reason)
}

func attemptRequest(msg store.OutboundMessage, req twilio.SendRequest) map[string]any {
	return map[string]any{"to": msg.To, "kind": msg.Kind, "dedupKey": msg.DedupKey, "contentSid": req.ContentSID}
}

func jsonRaw(b []byte) any { return map[string]any{"raw": string(b)} }

type sendResult struct {
	resp       twilio.SendResponse
	httpStatus int
	raw        []byte
}

type twilioCallError struct {
	err        error
	httpStatus int
	raw        []byte
}

func (e twilioCallError) Error() string { return e.err.Error() }
func (e twilioCallError) Unwrap() error { return e.err }
