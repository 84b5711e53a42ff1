// Package models defines data models persisted in the database.
package models

import (
	"path"
	"strings"
	"time"
)

// UploadStatus tracks the lifecycle of a file's upload.
//
// Transitions: PENDING -> UPLOADING -> {UPLOADED | FAILED};
// PENDING|UPLOADING -> DELETED on explicit cancel.
// UPLOADED, FAILED and DELETED are terminal; an UPLOADED file only ever
// leaves that state by being deleted.
type UploadStatus string

const (
	UploadStatusPending   UploadStatus = "pending"
	UploadStatusUploading UploadStatus = "uploading"
	UploadStatusUploaded  UploadStatus = "uploaded"
	UploadStatusFailed    UploadStatus = "failed"
	UploadStatusDeleted   UploadStatus = "deleted"
)

// Terminal reports whether the status admits no further transitions
// (other than deletion of the record itself).
func (s UploadStatus) Terminal() bool {
	return s == UploadStatusUploaded || s == UploadStatusFailed || s == UploadStatusDeleted
}

// File describes metadata for an object stored in the object-storage backend.
// The object key is derived deterministically from bucket, path and filename
// and must be unique per bucket for any non-terminal record claiming it.
type File struct {
	// ID is the server-assigned file identifier (UUID).
	ID string
	// UserID is the owner of the file.
	UserID string

	// Bucket and ObjectKey locate the object in storage.
	Bucket    string
	ObjectKey string

	// Path is the logical folder ("docs/reports"), Filename the leaf name.
	Path     string
	Filename string

	// MimeType and Size are declared by the client at initiation.
	MimeType string
	Size     int64

	// IsPublic controls the object ACL applied on completion.
	IsPublic bool

	// Status is the upload lifecycle state.
	Status UploadStatus

	// UploadID is the storage backend's multipart upload id. Present only
	// while the file is UPLOADING.
	UploadID string

	// LastActivityAt is bumped on every part-URL issuance and heartbeat;
	// the reaper uses it to find abandoned uploads.
	LastActivityAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ObjectKeyFor derives the storage key for a logical path and filename.
// The same inputs always produce the same key.
func ObjectKeyFor(filePath, filename string) string {
	p := strings.Trim(filePath, "/")
	if p == "" {
		return filename
	}
	return path.Join(p, filename)
}

// UploadPart is one declared part of a multipart completion request.
type UploadPart struct {
	PartNumber int32
	ETag       string
}
