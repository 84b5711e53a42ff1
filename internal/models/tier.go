package models

import (
	"path/filepath"
	"strings"
)

// Tier describes the storage limits attached to a user's subscription plan.
type Tier struct {
	Name string

	// MaxStorageBytes bounds durable usage plus in-flight reservations.
	MaxStorageBytes int64

	// MaxFileSizeBytes bounds a single upload. Zero means no per-file bound
	// beyond the storage quota itself.
	MaxFileSizeBytes int64

	// MaxConcurrentUploads bounds how many uploads the user may have open
	// at once. The effective cap is the smaller of this and the global
	// server-wide ceiling.
	MaxConcurrentUploads int

	// AllowedMimeTypes and AllowedExtensions whitelist what the tier may
	// upload. An empty list means everything is allowed.
	AllowedMimeTypes  []string
	AllowedExtensions []string
}

// AllowsMimeType reports whether the declared MIME type passes tier policy.
// A prefix entry ending in "/" (e.g. "image/") matches a whole class.
func (t *Tier) AllowsMimeType(mimeType string) bool {
	if len(t.AllowedMimeTypes) == 0 {
		return true
	}
	mt := strings.ToLower(mimeType)
	for _, allowed := range t.AllowedMimeTypes {
		a := strings.ToLower(allowed)
		if a == mt || (strings.HasSuffix(a, "/") && strings.HasPrefix(mt, a)) {
			return true
		}
	}
	return false
}

// AllowsExtension reports whether the filename's extension passes tier policy.
func (t *Tier) AllowsExtension(filename string) bool {
	if len(t.AllowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	for _, allowed := range t.AllowedExtensions {
		if strings.ToLower(strings.TrimPrefix(allowed, ".")) == ext {
			return true
		}
	}
	return false
}
