package flow

import (
	"context"
	"time"

	"github.com/obot-platform/authz-server/pkg/metrics"
	"github.com/obot-platform/authz-server/pkg/types"
	"go.uber.org/zap"
)

// CleanupStore removes expired rows
type CleanupStore interface {
	CleanupExpired(ctx context.Context, now time.Time) (*types.CleanupResult, error)
}

// Reaper deletes expired attempts with their codes, and expired tokens.
// Each pass is idempotent so concurrent passes are harmless.
type Reaper struct {
	store   CleanupStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewReaper creates a new reaper
func NewReaper(store CleanupStore, logger *zap.Logger, m *metrics.Metrics) *Reaper {
	return &Reaper{store: store, logger: logger, metrics: m, now: time.Now}
}

// Run performs one cleanup pass.
func (r *Reaper) Run(ctx context.Context) (*types.CleanupResult, error) {
	result, err := r.store.CleanupExpired(ctx, r.now())
	if err != nil {
		r.metrics.ReaperRun("error")
		return nil, err
	}
	r.metrics.ReaperRun("ok")
	r.metrics.ObserveCleanup(result)
	r.logger.Info("Cleaned up expired data",
		zap.Int64("attempts", result.Attempts),
		zap.Int64("authorization_codes", result.AuthorizationCodes),
		zap.Int64("validation_codes", result.ValidationCodes),
		zap.Int64("authentication_tokens", result.AuthenticationTokens))
	return result, nil
}
