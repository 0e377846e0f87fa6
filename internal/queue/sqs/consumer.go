package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// ErrPoison marks a message that can never succeed. It is deleted instead
// of being left for redrive.
var ErrPoison = errors.New("sqs: poison message")

type Handler func(ctx context.Context, body []byte) error

// JobHandler decodes outbound jobs for fn.
func JobHandler(fn func(ctx context.Context, job OutboundJob) error) Handler {
	return func(ctx context.Context, body []byte) error {
		var job OutboundJob
		if err := json.Unmarshal(body, &job); err != nil || job.MessageID == "" {
			return ErrPoison
		}
		return fn(ctx, job)
	}
}

// EnvelopeHandler decodes inbound envelopes for fn.
func EnvelopeHandler(fn func(ctx context.Context, env Envelope) error) Handler {
	return func(ctx context.Context, body []byte) error {
		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return ErrPoison
		}
		return fn(ctx, env)
	}
}

type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

func (c *Consumer) receive(ctx context.Context) ([]types.Message, error) {
	out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &c.QueueURL,
		MaxNumberOfMessages: c.MaxMessages,
		WaitTimeSeconds:     c.WaitTimeSeconds,
		VisibilityTimeout:   c.VisibilityTimeout,
	})
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// handle runs one message. It is deleted on success or when it is poison;
// any other error leaves it for SQS redrive and the DLQ.
func (c *Consumer) handle(ctx context.Context, m types.Message, handler Handler) {
	var err error
	if m.Body == nil {
		err = ErrPoison
	} else {
		err = handler(ctx, []byte(*m.Body))
	}
	if err != nil && !errors.Is(err, ErrPoison) {
		slog.Error("sqs handler error", "err", err, "queue", c.QueueURL)
		return
	}
	if errors.Is(err, ErrPoison) {
		slog.Warn("deleting poison message", "queue", c.QueueURL)
	}
	// the handler may have run to completion during shutdown
	if _, derr := c.SQS.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	}); derr != nil {
		slog.Error("sqs delete message failed", "err", derr)
	}
}

// PollOnce receives one batch and handles it in order.
func (c *Consumer) PollOnce(ctx context.Context, handler Handler) (int, error) {
	msgs, err := c.receive(ctx)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		c.handle(ctx, m, handler)
	}
	return len(msgs), nil
}

// PollConcurrent processes messages with a worker pool until ctx is done.
// Messages are deleted only after the handler completes.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				c.handle(ctx, m, handler)
			}
		}()
	}

	err := func() error {
		defer close(jobs)
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			msgs, err := c.receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("sqs receive message failed", "err", err)
				time.Sleep(500 * time.Millisecond)
				continue
			}
			for _, m := range msgs {
				select {
				case jobs <- m:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}()

	// let workers drain what was already received
	wg.Wait()
	return err
}
