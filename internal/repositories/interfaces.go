package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/omaree-johnson/myumrahesim-sub000/internal/domain"
)

// ErrSnapshotNotFound is returned by SnapshotStore.Load when no snapshot is stored.
var ErrSnapshotNotFound = errors.New("repositories: catalog snapshot not found")

// SnapshotStore is a shared tier for catalog snapshots so several API replicas can
// reuse one upstream fetch. Freshness is decided by the caller from FetchedAt; retention
// only bounds how long a snapshot remains available as a stale fallback.
type SnapshotStore interface {
	Load(ctx context.Context, market string) (domain.CatalogSnapshot, error)
	Save(ctx context.Context, snapshot domain.CatalogSnapshot, retention time.Duration) error
	Delete(ctx context.Context, markets ...string) error
	Clear(ctx context.Context) error
	Ping(ctx context.Context) error
}

// HealthRepository gathers dependency status for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
