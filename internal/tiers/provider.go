// Package tiers resolves per-user storage limits. The admin application owns
// the real subscription data; the storage subsystem only consumes it through
// the Provider contract.
package tiers

import (
	"context"

	"github.com/tenantworks/storagecore/internal/models"
)

// Provider resolves the tier limits for a user.
type Provider interface {
	TierFor(ctx context.Context, userID string) (*models.Tier, error)
}

// StaticProvider hands every user the same tier. Used when tier data comes
// from configuration rather than a subscription service, and in tests.
type StaticProvider struct {
	tier models.Tier
}

// NewStaticProvider constructs a provider returning tier for every user.
func NewStaticProvider(tier models.Tier) *StaticProvider {
	return &StaticProvider{tier: tier}
}

func (p *StaticProvider) TierFor(ctx context.Context, userID string) (*models.Tier, error) {
	t := p.tier
	return &t, nil
}
