// Package common defines shared constants and sentinel errors used across
// the storage subsystem. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Generic service-level errors.
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Admission errors: the request is well-formed but the user's budget or
	// tier policy rejects it. Retrying without changing input will not help.
	ErrQuotaExceeded        = errors.New("storage quota exceeded")
	ErrTooManyActiveUploads = errors.New("too many active uploads")
	ErrFileTypeNotAllowed   = errors.New("file type not allowed")
	ErrFileTooLarge         = errors.New("file too large")

	// State errors: a precondition on the upload/file lifecycle was violated.
	ErrUploadNotActive     = errors.New("upload is not active")
	ErrUploadExpired       = errors.New("upload expired")
	ErrUploadAlreadyDone   = errors.New("upload already completed")
	ErrInvalidPartNumber   = errors.New("invalid part number")
	ErrDuplicatePartNumber = errors.New("duplicate part number")
	ErrMissingPartETag     = errors.New("missing part etag")
	ErrPartMismatch        = errors.New("uploaded parts do not match declared parts")
	ErrPathTaken           = errors.New("a file already exists at this path")
	ErrFileNotUploaded     = errors.New("file is not in uploaded state")

	// ErrResourceBusy is the domain-facing mapping of a lost lock race:
	// another request is currently modifying the same file or folder.
	ErrResourceBusy = errors.New("resource is being modified, try again later")
)
