package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// API is the slice of the SQS client the queue code uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// OutboundJob asks the worker to deliver one outbox row.
type OutboundJob struct {
	MessageID string `json:"messageId"`
	To        string `json:"to"`
}

// Producer feeds the outbound queue. It implements messaging.Queue.
type Producer struct {
	SQS      API
	QueueURL string
	// Buckets spreads recipients over a fixed number of FIFO message groups.
	Buckets int
}

func (p *Producer) EnqueueSend(ctx context.Context, messageID, to string) error {
	body, err := json.Marshal(OutboundJob{MessageID: messageID, To: to})
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if isFIFO(p.QueueURL) {
		// per-recipient ordering without one group per phone
		in.MessageGroupId = str(messageGroupIDBucketed(to, p.Buckets))
		in.MessageDeduplicationId = str(messageID)
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

const defaultBuckets = 2000

func messageGroupIDBucketed(to string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultBuckets
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(to))
	return fmt.Sprintf("to:%d", h.Sum32()%uint32(buckets))
}

func isFIFO(queueURL string) bool { return strings.HasSuffix(queueURL, ".fifo") }

func str(s string) *string { return &s }
