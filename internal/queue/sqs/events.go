package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"bidflow/internal/domain"
)

// Envelope types on the inbound queue.
const (
	EnvelopeMessage = "message"
	EnvelopeStatus  = "status"
)

// StatusEvent is a provider delivery callback.
type StatusEvent struct {
	Provider      string              `json:"provider"`
	ProviderMsgID string              `json:"providerMsgId"`
	Status        string              `json:"status"`
	ErrorCode     string              `json:"errorCode,omitempty"`
	Payload       map[string][]string `json:"payload,omitempty"`
	ReceivedAt    time.Time           `json:"receivedAt"`
}

// Envelope is what the webhook puts on the inbound queue. Keep it small;
// SQS caps messages at 256KB.
type Envelope struct {
	Type    string                 `json:"type"`
	Message *domain.InboundMessage `json:"message,omitempty"`
	Status  *StatusEvent           `json:"status,omitempty"`
}

type InboundProducer struct {
	SQS      API
	QueueURL string
}

// EnqueueMessage keeps each sender's messages in order and lets SQS drop
// provider retries of the same message id.
func (p *InboundProducer) EnqueueMessage(ctx context.Context, m domain.InboundMessage) error {
	return p.send(ctx, Envelope{Type: EnvelopeMessage, Message: &m}, m.From, m.MessageSID)
}

func (p *InboundProducer) EnqueueStatus(ctx context.Context, ev StatusEvent) error {
	return p.send(ctx, Envelope{Type: EnvelopeStatus, Status: &ev}, "status:"+ev.ProviderMsgID, ev.ProviderMsgID+":"+ev.Status)
}

func (p *InboundProducer) send(ctx context.Context, env Envelope, groupID, dedupID string) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if isFIFO(p.QueueURL) {
		in.MessageGroupId = str(groupID)
		in.MessageDeduplicationId = str(dedupID)
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}
