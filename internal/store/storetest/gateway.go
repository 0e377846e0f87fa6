package storetest

import (
	"context"
	"strings"
	"sync"

	"bidflow/internal/domain"
	"bidflow/internal/messaging"
)

type Sent struct {
	To       string
	Body     string
	Buttons  []domain.Button
	DedupKey string
}

// Gateway records sends and honours dedup keys like the outbox does.
type Gateway struct {
	mu   sync.Mutex
	Sent []Sent
	keys map[string]bool
	Err  error
}

func (g *Gateway) SendText(ctx context.Context, to, body string, opts ...messaging.SendOption) error {
	return g.record(Sent{To: to, Body: body, DedupKey: messaging.DedupKey(opts...)}, opts)
}

func (g *Gateway) SendInteractive(ctx context.Context, to string, p domain.Prompt, opts ...messaging.SendOption) error {
	return g.record(Sent{To: to, Body: p.Body, Buttons: p.Buttons, DedupKey: messaging.DedupKey(opts...)}, opts)
}

func (g *Gateway) record(s Sent, opts []messaging.SendOption) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return g.Err
	}
	if s.DedupKey != "" {
		if g.keys == nil {
			g.keys = map[string]bool{}
		}
		if g.keys[s.DedupKey] {
			messaging.MarkDuplicate(opts...)
			return nil
		}
		g.keys[s.DedupKey] = true
	}
	g.Sent = append(g.Sent, s)
	return nil
}

// To returns the messages sent to one address.
func (g *Gateway) To(addr string) []Sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Sent
	for _, s := range g.Sent {
		if s.To == addr {
			out = append(out, s)
		}
	}
	return out
}

// Containing returns the messages whose body contains substr.
func (g *Gateway) Containing(substr string) []Sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Sent
	for _, s := range g.Sent {
		if strings.Contains(s.Body, substr) {
			out = append(out, s)
		}
	}
	return out
}

func (g *Gateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Sent = nil
}
