package messaging

import (
	"context"

	"bidflow/internal/domain"
)

// Gateway sends chat messages. Delivery is at-least-once; a dedup key makes
// repeated sends of the same logical message collapse into one.
type Gateway interface {
	SendText(ctx context.Context, to, body string, opts ...SendOption) error
	SendInteractive(ctx context.Context, to string, p domain.Prompt, opts ...SendOption) error
}

type SendOption func(*sendOptions)

type sendOptions struct {
	dedupKey  string
	duplicate *bool
}

func WithDedupKey(key string) SendOption {
	return func(o *sendOptions) { o.dedupKey = key }
}

// ReportDuplicate sets *dup when the send was dropped because its dedup key
// had already been used.
func ReportDuplicate(dup *bool) SendOption {
	return func(o *sendOptions) { o.duplicate = dup }
}

// MarkDuplicate is called by gateways that suppressed a send.
func MarkDuplicate(opts ...SendOption) {
	var o sendOptions
	for _, fn := range opts {
		fn(&o)
	}
	if o.duplicate != nil {
		*o.duplicate = true
	}
}

// DedupKey resolves the dedup key carried by opts.
func DedupKey(opts ...SendOption) string {
	var o sendOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o.dedupKey
}
