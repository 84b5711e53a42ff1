package files

import (
	"context"
	"time"

	"github.com/tenantworks/storagecore/internal/models"
)

// Repository is the persistence contract for file metadata.
//
// Lookup methods return common.ErrorNotFound (wrapped) when no row matches.
type Repository interface {
	Create(ctx context.Context, file *models.File) error
	GetByID(ctx context.Context, id string) (*models.File, error)
	Update(ctx context.Context, file *models.File) error
	Delete(ctx context.Context, id string) error

	// FindByBucketPathAndFilename resolves the duplicate-path probe at
	// upload initiation. Terminal failed/deleted rows do not count.
	FindByBucketPathAndFilename(ctx context.Context, bucket, path, filename string) (*models.File, error)

	// FindByBucketAndPrefix returns all live files whose logical path sits
	// under prefix, for folder-level operations.
	FindByBucketAndPrefix(ctx context.Context, bucket, prefix string) ([]*models.File, error)

	// FindExpiredUploads returns non-terminal uploads whose last activity
	// is older than maxAge, for the reaper.
	FindExpiredUploads(ctx context.Context, maxAge time.Duration) ([]*models.File, error)

	// GetUserUsedBytes is the durable side of the quota admission test.
	GetUserUsedBytes(ctx context.Context, userID string) (int64, error)

	// GetUserActiveUploadsCount counts a user's non-terminal uploads.
	GetUserActiveUploadsCount(ctx context.Context, userID string) (int, error)
}
