package repo

import (
	"context"
	"fmt"

	"batchgen/internal/domain"
	"batchgen/internal/infra"
	"batchgen/internal/sqlinline"
)

// PlanRepositoryPG implements domain.PlanRepository on the users table.
type PlanRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewPlanRepository creates a new PlanRepositoryPG.
func NewPlanRepository(sql infra.SQLExecutor) *PlanRepositoryPG {
	return &PlanRepositoryPG{sql: sql}
}

// PlanFor returns the user's tier. Unknown users are on the free tier.
func (r *PlanRepositoryPG) PlanFor(ctx context.Context, userID string) (domain.PlanTier, error) {
	var plan string
	if err := r.sql.QueryRow(ctx, sqlinline.QSelectUserPlan, userID).Scan(&plan); err != nil {
		if infra.IsNoRows(err) {
			return domain.PlanFree, nil
		}
		return "", fmt.Errorf("repo: plan for %s: %w", userID, err)
	}
	return domain.ParsePlanTier(plan), nil
}

// SetPlan upserts the user's tier.
func (r *PlanRepositoryPG) SetPlan(ctx context.Context, userID string, tier domain.PlanTier) error {
	if userID == "" {
		return domain.ErrUnauthorized
	}
	_, err := r.sql.Exec(ctx, sqlinline.QUpsertUserPlan, userID, string(domain.ParsePlanTier(string(tier))))
	return err
}

var _ domain.PlanRepository = (*PlanRepositoryPG)(nil)
