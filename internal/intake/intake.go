package intake

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"bidflow/internal/domain"
	"bidflow/internal/messaging"
	"bidflow/internal/statestore"
	"bidflow/internal/util"
)

type Store interface {
	InsertRequest(ctx context.Context, r domain.Request) error
}

type Dispatcher interface {
	Start(ctx context.Context, req domain.Request) (int, error)
}

type Service struct {
	Extractor   Extractor
	Store       Store
	State       statestore.Store
	Dispatcher  Dispatcher
	Gateway     messaging.Gateway
	FrontendURL string
	HistoryTTL  time.Duration
	Now         func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

// Handle runs one intake turn for a customer without an active request.
// It returns the created request when the draft was booked.
func (s *Service) Handle(ctx context.Context, phone, text string) (domain.Request, bool, error) {
	key := statestore.HistoryKey(phone)
	var history []Turn
	if _, err := statestore.GetJSON(ctx, s.State, key, &history); err != nil {
		slog.Warn("load intake history", "err", err, "phone", phone)
	}

	d, err := s.Extractor.Extract(ctx, text, history)
	if err != nil {
		return domain.Request{}, false, err
	}

	if d.IsCanceled {
		s.clearHistory(ctx, phone)
		return domain.Request{}, false, s.reply(ctx, phone, d.Reply, messaging.CustomerCancelled)
	}

	history = append(history, Turn{Role: "user", Content: text}, Turn{Role: "assistant", Content: d.Reply})
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	if err := statestore.SetJSON(ctx, s.State, key, history, s.historyTTL()); err != nil {
		slog.Warn("save intake history", "err", err, "phone", phone)
	}

	if !d.ReadyToBook {
		return domain.Request{}, false, s.reply(ctx, phone, d.Reply, "")
	}
	if err := Validate(d); err != nil {
		return domain.Request{}, false, err
	}

	details := d.Details
	if details == "" {
		details = "Request: " + text
	}
	req := domain.Request{
		ID:            util.NewRequestID(),
		CustomerPhone: phone,
		City:          d.City,
		District:      d.District,
		Category:      d.Category,
		Occasion:      d.Occasion,
		EventDate:     d.EventDate,
		Details:       details,
		Status:        domain.RequestOpen,
		SecurityToken: util.NewSecurityToken(),
		CreatedAt:     s.now(),
	}
	if err := s.Store.InsertRequest(ctx, req); err != nil {
		if domain.IsKind(err, domain.KindConflict) {
			return domain.Request{}, false, err
		}
		return domain.Request{}, false, domain.Upstream("insert request", err)
	}
	s.clearHistory(ctx, phone)
	slog.Info("request created", "request_id", req.ID, "category", req.Category, "city", req.City)

	n, err := s.Dispatcher.Start(ctx, req)
	if err != nil {
		return req, true, err
	}
	body := messaging.Render(messaging.RequestCreated, map[string]string{
		"ref": util.ShortRef(req.ID), "count": strconv.Itoa(n), "link": messaging.TrackingLink(s.FrontendURL, req),
	})
	if d.Reply != "" {
		body = strings.TrimSpace(d.Reply) + "\n\n" + body
	}
	return req, true, s.Gateway.SendText(ctx, phone, body)
}

func (s *Service) historyTTL() time.Duration {
	if s.HistoryTTL > 0 {
		return s.HistoryTTL
	}
	return 24 * time.Hour
}

func (s *Service) clearHistory(ctx context.Context, phone string) {
	if err := s.State.Delete(ctx, statestore.HistoryKey(phone)); err != nil {
		slog.Warn("clear intake history", "err", err, "phone", phone)
	}
}

func (s *Service) reply(ctx context.Context, phone, body, fallback string) error {
	if strings.TrimSpace(body) == "" {
		body = fallback
	}
	if body == "" {
		return nil
	}
	return s.Gateway.SendText(ctx, phone, body)
}
