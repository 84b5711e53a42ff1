// Package slots bounds how many uploads a user may have open at once. The
// slot count is a TTL'd counter in the coordination store: long uploads keep
// their slot alive by heartbeating, while a client that vanishes mid-upload
// frees its slot when the TTL lapses.
package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/tenantworks/storagecore/internal/coordstore"
	"github.com/tenantworks/storagecore/internal/logging"
)

// Governor hands out per-user concurrency slots.
type Governor struct {
	store  coordstore.Store
	logger logging.Logger
}

// NewGovernor constructs a slot governor over the coordination store.
func NewGovernor(store coordstore.Store, logger logging.Logger) *Governor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Governor{store: store, logger: logger}
}

func slotKey(userID string) string { return "slots:active:" + userID }

// TryAcquire claims a slot if fewer than maxSlots are taken. The claim is an
// atomic increment; on overshoot the increment is undone and false returned.
func (g *Governor) TryAcquire(ctx context.Context, userID string, maxSlots int, ttl time.Duration) (bool, error) {
	n, err := g.store.IncrBy(ctx, slotKey(userID), 1, ttl)
	if err != nil {
		return false, fmt.Errorf("acquire slot: %w", err)
	}
	if n > int64(maxSlots) {
		if _, err := g.store.IncrBy(ctx, slotKey(userID), -1, ttl); err != nil {
			g.logger.Warn(ctx, "failed to undo slot overshoot", "user_id", userID, "error", err)
		}
		return false, nil
	}
	return true, nil
}

// Release frees one slot. The counter floors at zero, so releasing an
// already-expired slot is harmless.
func (g *Governor) Release(ctx context.Context, userID string, ttl time.Duration) error {
	if _, err := g.store.IncrBy(ctx, slotKey(userID), -1, ttl); err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// Heartbeat refreshes the slot counter TTL so a long-running upload keeps
// its slot.
func (g *Governor) Heartbeat(ctx context.Context, userID string, ttl time.Duration) error {
	if _, err := g.store.IncrBy(ctx, slotKey(userID), 0, ttl); err != nil {
		return fmt.Errorf("heartbeat slot: %w", err)
	}
	return nil
}

// Active returns how many slots the user currently holds.
func (g *Governor) Active(ctx context.Context, userID string) (int64, error) {
	return g.store.GetInt64(ctx, slotKey(userID))
}
