package store

import (
	"context"
	"strings"

	"github.com/dunamismax/normthumb/internal/domain"
)

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}

// Store is a job store that also records usage.
type Store interface {
	JobStore
	UsageStore
}

// Open returns a postgres-backed store for a non-empty dsn and an in-process
// memory store otherwise. The memory store is only visible to the process
// that created it.
func Open(ctx context.Context, dsn string) (Store, func() error, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewMemoryJobStore(), func() error { return nil }, nil
	}
	pg, err := NewPostgresJobStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
