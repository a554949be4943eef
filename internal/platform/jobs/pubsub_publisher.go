package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
)

// PubSubPublisher publishes provisioning messages to one topic.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubPublisher constructs a publisher over topic.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	return &PubSubPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishProvisioningJob enqueues a request for the provisioner worker.
func (p *PubSubPublisher) PublishProvisioningJob(ctx context.Context, job domain.ProvisioningJob) error {
	attrs := map[string]string{"event": EventProvisioningRequested}
	setAttr(attrs, "jobId", job.ID)
	setAttr(attrs, "transactionId", job.TransactionID)
	setAttr(attrs, "orderNo", job.OrderNo)
	_, err := p.publish(ctx, requestMessage(job), attrs)
	if err != nil {
		return fmt.Errorf("publish provisioning job: %w", err)
	}
	return nil
}

// PublishProvisioningResult announces the terminal outcome of a job.
func (p *PubSubPublisher) PublishProvisioningResult(ctx context.Context, result domain.ProvisioningResult) error {
	attrs := map[string]string{"event": resultEvent(result.Outcome)}
	setAttr(attrs, "jobId", result.Job.ID)
	setAttr(attrs, "transactionId", result.Job.TransactionID)
	_, err := p.publish(ctx, resultMessage(result), attrs)
	if err != nil {
		return fmt.Errorf("publish provisioning result: %w", err)
	}
	return nil
}

func (p *PubSubPublisher) publish(ctx context.Context, payload any, attrs map[string]string) (string, error) {
	data, err := p.marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	return result.Get(ctx)
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
