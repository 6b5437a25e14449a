// Package quota gates preview creation on per-owner plan limits.
package quota

import (
	"context"
	"fmt"

	"github.com/Tom-Hartley/Preview-Warden/internal/preview"
	"github.com/Tom-Hartley/Preview-Warden/internal/store"
)

// Unlimited disables the limit for a plan.
const Unlimited = -1

// PlanResolver maps an owner to their maximum number of active previews.
type PlanResolver interface {
	MaxPreviews(ctx context.Context, ownerID string) (int, error)
}

// StaticPlan gives every owner the same limit. It is the default resolver,
// fed from configuration.
type StaticPlan struct {
	Max int
}

func (p StaticPlan) MaxPreviews(ctx context.Context, ownerID string) (int, error) {
	return p.Max, nil
}

// activeStatuses are the statuses that count against an owner's limit.
var activeStatuses = []preview.Status{
	preview.StatusCreating,
	preview.StatusRunning,
	preview.StatusUpdating,
}

// Gate checks owners against their plan before a preview is created.
type Gate struct {
	store store.Store
	plans PlanResolver
}

// New builds a Gate. A nil resolver means every owner is unlimited.
func New(s store.Store, plans PlanResolver) *Gate {
	if plans == nil {
		plans = StaticPlan{Max: Unlimited}
	}
	return &Gate{store: s, plans: plans}
}

// Check fails with a preview.QuotaError when the owner has reached their
// plan's active-preview limit.
func (g *Gate) Check(ctx context.Context, ownerID string) error {
	max, err := g.plans.MaxPreviews(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("resolve plan for %s: %w", ownerID, err)
	}
	if max == Unlimited {
		return nil
	}

	active, err := g.store.CountPreviews(ctx, ownerID, activeStatuses)
	if err != nil {
		return fmt.Errorf("count active previews for %s: %w", ownerID, err)
	}
	if active >= max {
		return &preview.QuotaError{OwnerID: ownerID, Active: active, Max: max}
	}
	return nil
}
