package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
	"github.com/omaree-johnson/myumrahesim-sub000/internal/esimaccess"
)

const (
	defaultPollAttempts = 20
	defaultPollInterval = 15 * time.Second
)

var (
	// ErrProvisioningDelayed is returned when the attempt budget is spent without a profile.
	ErrProvisioningDelayed = errors.New("provisioning watcher: provisioning delayed")
	// ErrProvisioningFailed is returned alongside a profile upstream marked as failed.
	ErrProvisioningFailed = errors.New("provisioning watcher: provisioning failed")
)

type ProvisioningWatcherDeps struct {
	Profiles ProfileService
	Attempts int
	Interval time.Duration
	// Sleep waits between attempts; it must return early with ctx.Err() on cancellation.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger func(context.Context, string, map[string]any)
}

// ProvisioningWatcher drives ProfileService.PollProfile at a fixed cadence with an
// overall attempt bound.
type ProvisioningWatcher struct {
	profiles ProfileService
	attempts int
	interval time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	logger   func(context.Context, string, map[string]any)
}

func NewProvisioningWatcher(deps ProvisioningWatcherDeps) (*ProvisioningWatcher, error) {
	if deps.Profiles == nil {
		return nil, errors.New("provisioning watcher: profile service is required")
	}
	if deps.Attempts < 0 || deps.Interval < 0 {
		return nil, errors.New("provisioning watcher: attempts and interval must not be negative")
	}
	w := &ProvisioningWatcher{
		profiles: deps.Profiles,
		attempts: deps.Attempts,
		interval: deps.Interval,
		sleep:    deps.Sleep,
		logger:   deps.Logger,
	}
	if w.attempts == 0 {
		w.attempts = defaultPollAttempts
	}
	if w.interval == 0 {
		w.interval = defaultPollInterval
	}
	if w.sleep == nil {
		w.sleep = sleepContext
	}
	if w.logger == nil {
		w.logger = func(context.Context, string, map[string]any) {}
	}
	return w, nil
}

// AwaitResult reports how many polls were made.
type AwaitResult struct {
	Profile  *domain.ProvisionedProfile
	Attempts int
}

// Await polls until the profile is ready, upstream reports it failed, or the attempt
// budget runs out. Transport, timeout and business errors consume an attempt and are
// retried, since upstream may answer with a business code while the profile is still
// being allocated; the last one is wrapped in ErrProvisioningDelayed when the budget
// runs out. Any other error ends the wait immediately.
func (w *ProvisioningWatcher) Await(ctx context.Context, query ProfileQuery) (AwaitResult, error) {
	var lastErr error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if attempt > 1 {
			if err := w.sleep(ctx, w.interval); err != nil {
				return AwaitResult{Attempts: attempt - 1}, fmt.Errorf("provisioning watcher: %w", err)
			}
		}

		profile, err := w.profiles.PollProfile(ctx, query)
		switch {
		case err == nil && profile == nil:
			continue
		case err == nil && profile.Status == domain.ProfileStatusFailed:
			return AwaitResult{Profile: profile, Attempts: attempt}, ErrProvisioningFailed
		case err == nil:
			return AwaitResult{Profile: profile, Attempts: attempt}, nil
		case ctx.Err() != nil:
			return AwaitResult{Attempts: attempt}, fmt.Errorf("provisioning watcher: %w", err)
		case errors.Is(err, esimaccess.ErrTransport), errors.Is(err, esimaccess.ErrTimeout), errors.Is(err, esimaccess.ErrBusiness):
			lastErr = err
			fields := map[string]any{
				"orderNo": query.OrderNo,
				"tranId":  query.TranID,
				"attempt": attempt,
				"error":   err.Error(),
			}
			if upstream, ok := esimaccess.AsError(err); ok && upstream.Code != "" {
				fields["upstreamCode"] = upstream.Code
			}
			w.logger(ctx, "provisioning.poll.retry", fields)
			continue
		default:
			return AwaitResult{Attempts: attempt}, err
		}
	}

	w.logger(ctx, "provisioning.poll.delayed", map[string]any{
		"orderNo":  query.OrderNo,
		"tranId":   query.TranID,
		"attempts": w.attempts,
	})
	if lastErr != nil {
		return AwaitResult{Attempts: w.attempts}, fmt.Errorf("%w after %d attempts: %w", ErrProvisioningDelayed, w.attempts, lastErr)
	}
	return AwaitResult{Attempts: w.attempts}, fmt.Errorf("%w after %d attempts", ErrProvisioningDelayed, w.attempts)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
