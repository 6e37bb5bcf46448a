package store

import (
	"context"
	"errors"

	"github.com/dunamismax/backdrop/internal/domain"
	"github.com/dunamismax/backdrop/internal/fit"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	// UpdateResult records the cutout and geometry of a finished job so it
	// can be re-rendered over new backdrops.
	UpdateResult(ctx context.Context, id, cutoutKey string, frame fit.Frame, placement fit.Placement) (domain.Job, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}
