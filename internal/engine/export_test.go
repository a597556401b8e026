package engine

import (
	"context"

	"innoflow/internal/domain"
)

// ApplyDecision exposes the snapshot-based decision path so tests can start two writers from one read.
func (e Engine) ApplyDecision(ctx context.Context, snapshot domain.Record, in DecisionInput) (DecisionResult, error) {
	return e.applyDecision(ctx, snapshot, in)
}
