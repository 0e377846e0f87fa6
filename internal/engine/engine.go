// Package engine is the single entry point for inbound chat messages. It
// dedupes deliveries, resolves who is talking and routes the message to the
// vendor or customer flow. Domain errors never escape: they become one
// reply to the sender.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-playground/validator"

	"bidflow/internal/domain"
	"bidflow/internal/identity"
	"bidflow/internal/messaging"
	"bidflow/internal/observability"
	"bidflow/internal/util"
)

type Store interface {
	ClaimInbound(ctx context.Context, messageSID, from string, now time.Time, staleAfter time.Duration) (bool, error)
	CompleteInbound(ctx context.Context, messageSID string, now time.Time) error
	ReleaseInbound(ctx context.Context, messageSID string) error
	ActiveRequestForCustomer(ctx context.Context, phone string) (domain.Request, bool, error)
}

type Resolver interface {
	Resolve(ctx context.Context, phone string) (identity.Identity, error)
}

type VendorFlow interface {
	Handle(ctx context.Context, vendor domain.Vendor, msg domain.InboundMessage) (bool, error)
	Activate(ctx context.Context, vendor domain.Vendor, msg domain.InboundMessage) (bool, error)
}

type CustomerRouter interface {
	Handle(ctx context.Context, phone string, msg domain.InboundMessage) (bool, error)
}

type Intake interface {
	Handle(ctx context.Context, phone, text string) (domain.Request, bool, error)
}

// Result statuses.
const (
	StatusProcessed = "processed"
	StatusDuplicate = "duplicate"
	StatusInvalid   = "invalid"
	StatusFailed    = "failed"
)

type Result struct {
	Status string
	Role   domain.Role
}

type Engine struct {
	Store       Store
	Identity    Resolver
	Vendors     VendorFlow
	Customers   CustomerRouter
	Intake      Intake
	Gateway     messaging.Gateway
	FrontendURL string
	// StaleAfter lets a crashed worker's claim be taken over.
	StaleAfter time.Duration
	Now        func() time.Time
}

var validate = validator.New()

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return util.NowUTC()
}

func (e *Engine) staleAfter() time.Duration {
	if e.StaleAfter > 0 {
		return e.StaleAfter
	}
	return 5 * time.Minute
}

// Handle processes one inbound message. The returned error is non-nil only
// when the delivery should be retried.
func (e *Engine) Handle(ctx context.Context, msg domain.InboundMessage) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "engine.Handle")
	defer span.End()

	if err := validate.Struct(msg); err != nil {
		slog.Warn("dropping invalid inbound message", "err", err, "sid", msg.MessageSID)
		observability.InboundEvents.WithLabelValues("unknown", StatusInvalid).Inc()
		return Result{Status: StatusInvalid}, nil
	}
	msg.From = util.NormalizePhone(msg.From)

	claimed, err := e.Store.ClaimInbound(ctx, msg.MessageSID, msg.From, e.now(), e.staleAfter())
	if err != nil {
		return Result{}, fmt.Errorf("claim inbound %s: %w", msg.MessageSID, err)
	}
	if !claimed {
		observability.InboundEvents.WithLabelValues("unknown", StatusDuplicate).Inc()
		return Result{Status: StatusDuplicate}, nil
	}

	role, herr := e.dispatch(ctx, msg)
	status := StatusProcessed
	if herr != nil {
		status = StatusFailed
	}
	observability.InboundEvents.WithLabelValues(string(role), status).Inc()

	// Shutdown mid-message: hand the delivery back to the queue.
	if errors.Is(herr, context.Canceled) || errors.Is(herr, context.DeadlineExceeded) {
		if err := e.Store.ReleaseInbound(context.WithoutCancel(ctx), msg.MessageSID); err != nil {
			slog.Error("release inbound claim", "err", err, "sid", msg.MessageSID)
		}
		return Result{Status: status, Role: role}, herr
	}
	if err := e.Store.CompleteInbound(ctx, msg.MessageSID, e.now()); err != nil {
		return Result{Status: status, Role: role}, fmt.Errorf("complete inbound %s: %w", msg.MessageSID, err)
	}
	return Result{Status: status, Role: role}, nil
}

// dispatch resolves the sender and runs its flow. Panics are converted to
// errors so one bad message cannot take the consumer down.
func (e *Engine) dispatch(ctx context.Context, msg domain.InboundMessage) (role domain.Role, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic handling inbound message", "panic", r, "sid", msg.MessageSID, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	id, err := e.Identity.Resolve(ctx, msg.From)
	if err != nil {
		e.reply(ctx, msg.From, err)
		return "unknown", err
	}
	role = id.Role
	slog.Debug("inbound message", "sid", msg.MessageSID, "role", role)

	if role == domain.RoleVendor {
		err = e.vendor(ctx, id.Vendor, msg)
	} else {
		err = e.customer(ctx, msg.From, msg)
	}
	if err != nil {
		e.reply(ctx, msg.From, err)
	}
	return role, err
}

func (e *Engine) vendor(ctx context.Context, v domain.Vendor, msg domain.InboundMessage) error {
	if handled, err := e.Vendors.Handle(ctx, v, msg); handled || err != nil {
		return err
	}
	if handled, err := e.Vendors.Activate(ctx, v, msg); handled || err != nil {
		return err
	}
	if v.ActiveChatClient != "" && strings.TrimSpace(msg.Body) != "" {
		body := messaging.Render(messaging.ProxyFromVendor, map[string]string{"vendor": v.Name, "body": msg.Body})
		return e.Gateway.SendText(ctx, v.ActiveChatClient, body)
	}
	return e.Gateway.SendText(ctx, v.Phone, messaging.VendorHelp)
}

func (e *Engine) customer(ctx context.Context, phone string, msg domain.InboundMessage) error {
	if handled, err := e.Customers.Handle(ctx, phone, msg); handled || err != nil {
		return err
	}
	if strings.TrimSpace(msg.Body) == "" {
		return nil
	}
	_, _, err := e.Intake.Handle(ctx, phone, msg.Body)
	return err
}

// reply turns a domain error into the one message the sender sees.
func (e *Engine) reply(ctx context.Context, to string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	code := domain.CodeOf(err)
	if domain.KindOf(err) == domain.KindUpstream {
		slog.Error("inbound handling failed", "err", err, "phone", to)
	} else {
		slog.Info("inbound rejected", "code", code, "phone", to)
	}

	body := ""
	switch code {
	case domain.CodeNoCoverage:
		// the dispatcher already told the customer
		return
	case domain.CodeActiveRequestExists:
		body = e.blocked(ctx, to)
	default:
		body = ErrorText(code)
	}
	if body == "" {
		return
	}
	if serr := e.Gateway.SendText(ctx, to, body); serr != nil {
		slog.Error("send error reply", "err", serr, "phone", to)
	}
}

func (e *Engine) blocked(ctx context.Context, phone string) string {
	req, ok, err := e.Store.ActiveRequestForCustomer(ctx, phone)
	if err != nil || !ok {
		return messaging.Busy
	}
	return messaging.Render(messaging.Blocked, map[string]string{
		"ref": util.ShortRef(req.ID), "link": messaging.TrackingLink(e.FrontendURL, req),
	})
}

var errorTexts = map[string]string{
	domain.CodeInvalidPrice:         messaging.PromptPrice,
	domain.CodeDuplicateOffer:       messaging.DuplicateOffer,
	domain.CodeRequestClosed:        messaging.RequestIsClosed,
	domain.CodeNotFound:             messaging.NotFoundText,
	domain.CodeAlreadyAccepted:      messaging.AlreadyAccepted,
	domain.CodeAlreadyRejected:      messaging.AlreadyRejected,
	domain.CodeCannotRejectAccepted: messaging.CannotReject,
	domain.CodeInvalidDraft:         messaging.InvalidDraft,
	domain.CodeUpstream:             messaging.Busy,
}

// ErrorText is the user-facing text for an error code. Unknown codes get
// the generic busy reply.
func ErrorText(code string) string {
	if t, ok := errorTexts[code]; ok {
		return t
	}
	return messaging.Busy
}
