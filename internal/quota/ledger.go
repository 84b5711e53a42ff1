// Package quota implements the per-user storage admission ledger. Durable
// usage lives in the database; bytes promised to in-flight uploads live as a
// TTL'd reservation counter in the coordination store. Admission compares the
// sum of both against the tier limit under a per-user lock, so concurrent
// uploads from one user cannot oversubscribe the quota between check and
// reserve.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tenantworks/storagecore/internal/common"
	"github.com/tenantworks/storagecore/internal/coordstore"
	"github.com/tenantworks/storagecore/internal/locking"
	"github.com/tenantworks/storagecore/internal/logging"
	"github.com/tenantworks/storagecore/internal/models"
)

// UsageSource supplies the durable side of the ledger.
type UsageSource interface {
	GetUserUsedBytes(ctx context.Context, userID string) (int64, error)
	GetUserActiveUploadsCount(ctx context.Context, userID string) (int, error)
}

// TierSource resolves the storage limits for a user.
type TierSource interface {
	TierFor(ctx context.Context, userID string) (*models.Tier, error)
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// CurrentUsage is durable bytes plus in-flight reservations.
	CurrentUsage   int64
	MaxQuota       int64
	AvailableSpace int64
	// Reason is a user-facing explanation when Allowed is false, and Cause
	// the matching sentinel (common.ErrQuotaExceeded or
	// common.ErrTooManyActiveUploads) for errors.Is dispatch.
	Reason string
	Cause  error
}

const (
	defaultReservationTTL = 30 * time.Minute
	defaultLockTTL        = 10 * time.Second
	defaultLockTimeout    = 5 * time.Second
)

// Ledger tracks quota reservations for in-flight uploads.
type Ledger struct {
	store  coordstore.Store
	locks  *locking.Manager
	usage  UsageSource
	tiers  TierSource
	logger logging.Logger

	reservationTTL time.Duration
	lockTTL        time.Duration
	lockTimeout    time.Duration
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithLogger attaches a logger; the default discards everything.
func WithLogger(l logging.Logger) Option {
	return func(q *Ledger) { q.logger = l }
}

// WithReservationTTL overrides how long a reservation survives without the
// owning upload finishing or heartbeating. Abandoned reservations expire and
// the bytes become available again.
func WithReservationTTL(ttl time.Duration) Option {
	return func(q *Ledger) { q.reservationTTL = ttl }
}

// NewLedger constructs a quota ledger.
func NewLedger(store coordstore.Store, locks *locking.Manager, usage UsageSource, tiers TierSource, opts ...Option) *Ledger {
	q := &Ledger{
		store:          store,
		locks:          locks,
		usage:          usage,
		tiers:          tiers,
		logger:         logging.NewNopLogger(),
		reservationTTL: defaultReservationTTL,
		lockTTL:        defaultLockTTL,
		lockTimeout:    defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func reservationKey(userID string) string { return "quota:reserved:" + userID }

// CheckAndReserve admits the upload if durable usage plus live reservations
// plus the requested bytes fit the tier quota, atomically adding the
// reservation on success. The whole check-then-reserve runs under the user's
// quota lock. A clean rejection returns Allowed=false with a nil error.
//
// Every caller that reserves must guarantee a matching Release or Finalize
// on every exit path; nothing here does it automatically.
func (q *Ledger) CheckAndReserve(ctx context.Context, userID string, bytes int64) (*Decision, error) {
	var decision *Decision

	err := q.locks.WithLock(ctx, locking.QuotaKey(userID), q.lockTTL, q.lockTimeout, func(ctx context.Context) error {
		d, err := q.evaluate(ctx, userID, bytes)
		if err != nil {
			return err
		}
		decision = d
		if !d.Allowed {
			return nil
		}
		if _, err := q.store.IncrBy(ctx, reservationKey(userID), bytes, q.reservationTTL); err != nil {
			return fmt.Errorf("reserve quota: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// evaluate performs the admission test without mutating anything.
func (q *Ledger) evaluate(ctx context.Context, userID string, bytes int64) (*Decision, error) {
	tier, err := q.tiers.TierFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve tier: %w", err)
	}

	used, err := q.usage.GetUserUsedBytes(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read used bytes: %w", err)
	}

	reserved, err := q.store.GetInt64(ctx, reservationKey(userID))
	if err != nil {
		return nil, fmt.Errorf("read reserved bytes: %w", err)
	}

	current := used + reserved
	available := tier.MaxStorageBytes - current
	if available < 0 {
		available = 0
	}

	d := &Decision{
		CurrentUsage:   current,
		MaxQuota:       tier.MaxStorageBytes,
		AvailableSpace: available,
	}

	if current+bytes > tier.MaxStorageBytes {
		d.Reason = fmt.Sprintf("storage quota exceeded: %s requested, %s available of %s",
			humanize.IBytes(uint64(bytes)), humanize.IBytes(uint64(available)), humanize.IBytes(uint64(tier.MaxStorageBytes)))
		d.Cause = common.ErrQuotaExceeded
		return d, nil
	}

	active, err := q.usage.GetUserActiveUploadsCount(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read active uploads: %w", err)
	}
	if tier.MaxConcurrentUploads > 0 && active >= tier.MaxConcurrentUploads {
		d.Reason = fmt.Sprintf("too many active uploads: %d of %d in progress", active, tier.MaxConcurrentUploads)
		d.Cause = common.ErrTooManyActiveUploads
		return d, nil
	}

	d.Allowed = true
	return d, nil
}

// Release returns reserved bytes after a failed or aborted upload. The
// counter floors at zero, so duplicate releases drift no further than the
// periodic reservation sweep would correct anyway.
func (q *Ledger) Release(ctx context.Context, userID string, bytes int64) error {
	if _, err := q.store.IncrBy(ctx, reservationKey(userID), -bytes, q.reservationTTL); err != nil {
		return fmt.Errorf("release quota reservation: %w", err)
	}
	return nil
}

// Finalize removes the reservation after a successful completion, once the
// durable used-bytes aggregate reflects the upload. Numerically identical to
// Release; named separately to document intent.
func (q *Ledger) Finalize(ctx context.Context, userID string, bytes int64) error {
	if _, err := q.store.IncrBy(ctx, reservationKey(userID), -bytes, q.reservationTTL); err != nil {
		return fmt.Errorf("finalize quota reservation: %w", err)
	}
	return nil
}

// Usage reports the user's current admission state without mutating it.
func (q *Ledger) Usage(ctx context.Context, userID string) (*Decision, error) {
	return q.evaluate(ctx, userID, 0)
}

// ResetReservations drops the user's reservation counter entirely. Admin
// escape hatch for reservations leaked by crashes between completion and
// finalize; normally TTL expiry corrects them.
func (q *Ledger) ResetReservations(ctx context.Context, userID string) error {
	return q.store.Delete(ctx, reservationKey(userID))
}
