package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"cloud.google.com/go/pubsub"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
)

// JobHandler processes one provisioning job. A returned error nacks the message so
// Pub/Sub redelivers it.
type JobHandler func(ctx context.Context, job domain.ProvisioningJob) error

// Consumer receives provisioning requests from a subscription.
type Consumer struct {
	sub    *pubsub.Subscription
	handle JobHandler
	logger func(context.Context, string, map[string]any)
}

func NewConsumer(sub *pubsub.Subscription, handle JobHandler, logger func(context.Context, string, map[string]any)) (*Consumer, error) {
	if sub == nil {
		return nil, errors.New("pubsub consumer: subscription is required")
	}
	if handle == nil {
		return nil, errors.New("pubsub consumer: handler is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Consumer{sub: sub, handle: handle, logger: logger}, nil
}

// Run blocks until ctx is cancelled or the subscription fails.
func (c *Consumer) Run(ctx context.Context) error {
	return c.sub.Receive(ctx, c.receive)
}

func (c *Consumer) receive(ctx context.Context, msg *pubsub.Message) {
	if event := msg.Attributes["event"]; event != "" && event != EventProvisioningRequested {
		msg.Ack()
		return
	}
	var payload ProvisioningRequestMessage
	if err := json.Unmarshal(msg.Data, &payload); err != nil || (payload.OrderNo == "" && payload.TranID == "") {
		// Redelivery cannot fix a malformed message.
		fields := map[string]any{"messageId": msg.ID}
		if err != nil {
			fields["error"] = err.Error()
		}
		c.logger(ctx, "provisioning.message.skip", fields)
		msg.Ack()
		return
	}
	if err := c.handle(ctx, payload.job()); err != nil {
		c.logger(ctx, "provisioning.message.error", map[string]any{
			"messageId": msg.ID,
			"jobId":     payload.JobID,
			"error":     err.Error(),
		})
		msg.Nack()
		return
	}
	msg.Ack()
}
