// Package objectstore defines the narrow contract the storage subsystem
// needs from an object-storage backend, and an S3 implementation of it.
package objectstore

import (
	"context"
	"errors"
	"time"

	"github.com/tenantworks/storagecore/internal/models"
)

// ErrListPartsUnsupported is returned by backends that cannot enumerate the
// parts of an in-flight multipart upload. Callers fall back to comparing the
// final object size against the declared size.
var ErrListPartsUnsupported = errors.New("listing upload parts is not supported")

// ObjectMetadata describes a stored object.
type ObjectMetadata struct {
	Size        int64
	ETag        string
	ContentType string
}

// Store is the object-storage contract consumed by the upload lifecycle and
// file mutation services.
type Store interface {
	// InitiateMultipartUpload opens a multipart upload and returns its id.
	InitiateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error)

	// PresignUploadPart issues a URL the client can PUT one part to.
	PresignUploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, ttl time.Duration) (string, error)

	// CompleteMultipartUpload assembles the uploaded parts into the final
	// object and returns its etag.
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []models.UploadPart) (string, error)

	// AbortMultipartUpload discards an in-flight multipart upload.
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error

	// ListUploadParts returns the parts the backend has recorded for an
	// in-flight upload, or ErrListPartsUnsupported.
	ListUploadParts(ctx context.Context, bucket, key, uploadID string) ([]models.UploadPart, error)

	// CopyObject copies srcKey to dstKey within bucket.
	CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error

	// DeleteObject removes one object. Deleting a missing object is not an
	// error.
	DeleteObject(ctx context.Context, bucket, key string) error

	// DeleteObjects removes a batch of objects.
	DeleteObjects(ctx context.Context, bucket string, keys []string) error

	// ObjectExists probes for an object without fetching it.
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	// GetObjectMetadata returns size/etag/content-type of an object.
	GetObjectMetadata(ctx context.Context, bucket, key string) (*ObjectMetadata, error)

	// SetObjectVisibility flips the object between public-read and private.
	SetObjectVisibility(ctx context.Context, bucket, key string, public bool) error

	// CreateFolder materializes an empty folder marker at prefix.
	CreateFolder(ctx context.Context, bucket, prefix string) error

	// PresignGetObject issues a temporary download URL.
	PresignGetObject(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}
