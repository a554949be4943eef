package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
)

// ProfileAwaiter is satisfied by ProvisioningWatcher.
type ProfileAwaiter interface {
	Await(ctx context.Context, query ProfileQuery) (AwaitResult, error)
}

// ProvisioningResultPublisher hands a job's outcome to downstream consumers.
type ProvisioningResultPublisher interface {
	PublishProvisioningResult(ctx context.Context, result domain.ProvisioningResult) error
}

type ProvisioningWorkerDeps struct {
	Watcher ProfileAwaiter
	Results ProvisioningResultPublisher
	Clock   func() time.Time
	Logger  func(context.Context, string, map[string]any)
}

// ProvisioningWorker waits for the profile behind a ProvisioningJob and publishes
// the outcome.
type ProvisioningWorker struct {
	watcher ProfileAwaiter
	results ProvisioningResultPublisher
	clock   func() time.Time
	logger  func(context.Context, string, map[string]any)
}

func NewProvisioningWorker(deps ProvisioningWorkerDeps) (*ProvisioningWorker, error) {
	if deps.Watcher == nil {
		return nil, errors.New("provisioning worker: watcher is required")
	}
	if deps.Results == nil {
		return nil, errors.New("provisioning worker: result publisher is required")
	}
	w := &ProvisioningWorker{
		watcher: deps.Watcher,
		results: deps.Results,
		clock:   deps.Clock,
		logger:  deps.Logger,
	}
	if w.clock == nil {
		w.clock = time.Now
	}
	if w.logger == nil {
		w.logger = func(context.Context, string, map[string]any) {}
	}
	return w, nil
}

// Handle processes one job. It returns an error only when the job should be retried:
// the context ended mid-wait or the outcome could not be published.
func (w *ProvisioningWorker) Handle(ctx context.Context, job domain.ProvisioningJob) error {
	if job.OrderNo == "" && job.TranID == "" {
		return ErrMissingIdentifier
	}

	awaited, err := w.watcher.Await(ctx, ProfileQuery{OrderNo: job.OrderNo, TranID: job.TranID})
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("provisioning worker: job %s: %w", job.ID, err)
	}

	result := domain.ProvisioningResult{
		Job:         job,
		Profile:     awaited.Profile,
		Attempts:    awaited.Attempts,
		CompletedAt: w.clock().UTC(),
	}
	switch {
	case err == nil:
		result.Outcome = domain.ProvisioningOutcomeReady
	case errors.Is(err, ErrProvisioningDelayed):
		result.Outcome = domain.ProvisioningOutcomeDelayed
		result.Error = err.Error()
	default:
		result.Outcome = domain.ProvisioningOutcomeFailed
		result.Error = err.Error()
	}

	if err := w.results.PublishProvisioningResult(ctx, result); err != nil {
		w.logger(ctx, "provisioning.result.publish.error", map[string]any{
			"jobId":   job.ID,
			"outcome": string(result.Outcome),
			"error":   err.Error(),
		})
		return fmt.Errorf("provisioning worker: job %s: %w", job.ID, err)
	}
	w.logger(ctx, "provisioning.result.published", map[string]any{
		"jobId":         job.ID,
		"transactionId": job.TransactionID,
		"outcome":       string(result.Outcome),
		"attempts":      result.Attempts,
	})
	return nil
}
