// Package services implements the upload lifecycle state machine and the
// file mutation orchestrator on top of the lock, quota, slot and storage
// collaborators.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tenantworks/storagecore/internal/common"
	"github.com/tenantworks/storagecore/internal/dbx"
	"github.com/tenantworks/storagecore/internal/locking"
	"github.com/tenantworks/storagecore/internal/logging"
	"github.com/tenantworks/storagecore/internal/models"
	"github.com/tenantworks/storagecore/internal/objectstore"
	"github.com/tenantworks/storagecore/internal/quota"
	"github.com/tenantworks/storagecore/internal/repositories/repomanager"
	"github.com/tenantworks/storagecore/internal/slots"
	"github.com/tenantworks/storagecore/internal/tiers"
)

const (
	minPartNumber = 1
	maxPartNumber = 10000

	// autoRenameProbeLimit caps how many "name (n).ext" candidates the
	// auto-rename policy tries before giving up.
	autoRenameProbeLimit = 100
)

// UploadConfig carries the tunables of the upload lifecycle.
type UploadConfig struct {
	Bucket string

	// StaleAfter is the inactivity threshold past which an upload is
	// treated as abandoned.
	StaleAfter time.Duration

	// PartURLTTL is the lifetime of presigned part URLs.
	PartURLTTL time.Duration

	LockTTL            time.Duration
	LockAcquireTimeout time.Duration

	// SlotTTL is the lifetime of a concurrency slot between heartbeats.
	SlotTTL time.Duration

	// GlobalMaxConcurrentUploads is the server-wide per-user ceiling; the
	// effective cap is the smaller of this and the tier limit.
	GlobalMaxConcurrentUploads int
}

// UploadService drives the multipart-upload state machine:
// PENDING -> UPLOADING -> {UPLOADED | FAILED}, with explicit cancel to
// DELETED. All mutations of a file run under its distributed lock, and all
// resource acquisitions (quota, slot) are released on every failure path.
type UploadService struct {
	db     *sql.DB
	repos  repomanager.Manager
	store  objectstore.Store
	locks  *locking.Manager
	quota  *quota.Ledger
	slots  *slots.Governor
	tiers  tiers.Provider
	cfg    UploadConfig
	logger logging.Logger

	// runTx is a seam over dbx.WithTx so tests can supply their own
	// transaction semantics.
	runTx func(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error
}

// NewUploadService wires the upload lifecycle manager.
func NewUploadService(
	db *sql.DB,
	repos repomanager.Manager,
	store objectstore.Store,
	locks *locking.Manager,
	ledger *quota.Ledger,
	governor *slots.Governor,
	tierSource tiers.Provider,
	cfg UploadConfig,
	logger logging.Logger,
) *UploadService {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &UploadService{
		db:     db,
		repos:  repos,
		store:  store,
		locks:  locks,
		quota:  ledger,
		slots:  governor,
		tiers:  tierSource,
		cfg:    cfg,
		logger: logger,
	}
}

// inTx runs fn inside a database transaction when a database handle is
// wired; otherwise fn runs against the plain handle.
func (s *UploadService) inTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	if s.runTx != nil {
		return s.runTx(ctx, fn)
	}
	if s.db == nil {
		return fn(ctx, nil)
	}
	return dbx.WithTx(ctx, s.db, nil, fn)
}

// InitiateUploadParams are the client-declared properties of a new upload.
type InitiateUploadParams struct {
	UserID   string
	Path     string
	Filename string
	MimeType string
	Size     int64
	IsPublic bool

	// Overwrite replaces an uploaded file already holding the target path.
	Overwrite bool
	// AutoRename probes "name (1).ext", "name (2).ext", ... until a free
	// path is found instead of rejecting a duplicate.
	AutoRename bool
}

// InitiateUploadResult identifies the opened upload.
type InitiateUploadResult struct {
	FileID    string
	UploadID  string
	ObjectKey string
	Filename  string
}

// InitiateUpload validates the request against tier policy, reserves quota
// and a concurrency slot, creates the file record and opens the multipart
// upload. Any failure after the reservation unwinds quota, slot and the
// partially created record, so a retried initiation does not collide on the
// object key.
func (s *UploadService) InitiateUpload(ctx context.Context, p InitiateUploadParams) (*InitiateUploadResult, error) {
	tier, err := s.tiers.TierFor(ctx, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve tier: %w", err)
	}

	if err := s.validateInitiate(p, tier); err != nil {
		return nil, err
	}

	filename, err := s.resolveDuplicatePath(ctx, p)
	if err != nil {
		return nil, err
	}

	decision, err := s.quota.CheckAndReserve(ctx, p.UserID, p.Size)
	if err != nil {
		if errors.Is(err, locking.ErrNotAcquired) {
			return nil, common.ErrResourceBusy
		}
		return nil, err
	}
	if !decision.Allowed {
		return nil, fmt.Errorf("%s: %w", decision.Reason, decision.Cause)
	}
	// From here on every failure must give the reservation back.

	maxSlots := s.cfg.GlobalMaxConcurrentUploads
	if tier.MaxConcurrentUploads > 0 && tier.MaxConcurrentUploads < maxSlots {
		maxSlots = tier.MaxConcurrentUploads
	}
	acquired, err := s.slots.TryAcquire(ctx, p.UserID, maxSlots, s.cfg.SlotTTL)
	if err != nil {
		s.releaseQuota(ctx, p.UserID, p.Size)
		return nil, err
	}
	if !acquired {
		s.releaseQuota(ctx, p.UserID, p.Size)
		return nil, fmt.Errorf("concurrent upload limit of %d reached: %w", maxSlots, common.ErrTooManyActiveUploads)
	}

	file := &models.File{
		ID:             uuid.NewString(),
		UserID:         p.UserID,
		Bucket:         s.cfg.Bucket,
		ObjectKey:      models.ObjectKeyFor(p.Path, filename),
		Path:           strings.Trim(p.Path, "/"),
		Filename:       filename,
		MimeType:       p.MimeType,
		Size:           p.Size,
		IsPublic:       p.IsPublic,
		Status:         models.UploadStatusPending,
		LastActivityAt: time.Now(),
	}

	repo := s.repos.Files(s.db)
	if err := repo.Create(ctx, file); err != nil {
		s.releaseSlot(ctx, p.UserID)
		s.releaseQuota(ctx, p.UserID, p.Size)
		return nil, fmt.Errorf("create file record: %w", err)
	}

	uploadID, err := s.store.InitiateMultipartUpload(ctx, file.Bucket, file.ObjectKey, file.MimeType)
	if err != nil {
		s.unwindInitiate(ctx, file, "")
		return nil, fmt.Errorf("initiate multipart upload: %w", err)
	}

	file.Status = models.UploadStatusUploading
	file.UploadID = uploadID
	file.LastActivityAt = time.Now()
	if err := repo.Update(ctx, file); err != nil {
		s.unwindInitiate(ctx, file, uploadID)
		return nil, fmt.Errorf("activate upload: %w", err)
	}

	s.logger.Info(ctx, "upload initiated",
		"file_id", file.ID, "user_id", p.UserID, "key", file.ObjectKey, "size", p.Size)

	return &InitiateUploadResult{
		FileID:    file.ID,
		UploadID:  uploadID,
		ObjectKey: file.ObjectKey,
		Filename:  filename,
	}, nil
}

func (s *UploadService) validateInitiate(p InitiateUploadParams, tier *models.Tier) error {
	if p.UserID == "" {
		return errors.New("user id is required")
	}
	if p.Filename == "" || strings.ContainsAny(p.Filename, "/\\") {
		return errors.New("invalid filename")
	}
	if p.Size <= 0 {
		return errors.New("size must be positive")
	}
	if tier.MaxFileSizeBytes > 0 && p.Size > tier.MaxFileSizeBytes {
		return fmt.Errorf("declared size %d exceeds per-file limit %d: %w",
			p.Size, tier.MaxFileSizeBytes, common.ErrFileTooLarge)
	}
	if !tier.AllowsMimeType(p.MimeType) {
		return fmt.Errorf("mime type %q: %w", p.MimeType, common.ErrFileTypeNotAllowed)
	}
	if !tier.AllowsExtension(p.Filename) {
		return fmt.Errorf("extension of %q: %w", p.Filename, common.ErrFileTypeNotAllowed)
	}
	return nil
}

// resolveDuplicatePath applies the duplicate-path policy and returns the
// filename the upload should use.
func (s *UploadService) resolveDuplicatePath(ctx context.Context, p InitiateUploadParams) (string, error) {
	repo := s.repos.Files(s.db)
	cleanPath := strings.Trim(p.Path, "/")

	existing, err := repo.FindByBucketPathAndFilename(ctx, s.cfg.Bucket, cleanPath, p.Filename)
	if errors.Is(err, common.ErrorNotFound) {
		return p.Filename, nil
	}
	if err != nil {
		return "", fmt.Errorf("probe destination: %w", err)
	}

	switch {
	case p.Overwrite:
		// Only a completed file can be displaced; an in-flight upload at
		// the same path keeps its claim on the key.
		if existing.Status != models.UploadStatusUploaded {
			return "", fmt.Errorf("upload in progress at %s/%s: %w", cleanPath, p.Filename, common.ErrPathTaken)
		}
		if err := s.displaceExisting(ctx, existing); err != nil {
			return "", err
		}
		return p.Filename, nil

	case p.AutoRename:
		return s.probeFreeName(ctx, cleanPath, p.Filename)

	default:
		return "", fmt.Errorf("%s/%s: %w", cleanPath, p.Filename, common.ErrPathTaken)
	}
}

// displaceExisting removes the uploaded file currently holding the target
// path, database row first.
func (s *UploadService) displaceExisting(ctx context.Context, existing *models.File) error {
	err := s.inTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repos.Files(tx).Delete(ctx, existing.ID); err != nil {
			return err
		}
		return s.store.DeleteObject(ctx, existing.Bucket, existing.ObjectKey)
	})
	if err != nil {
		return fmt.Errorf("overwrite existing file %s: %w", existing.ID, err)
	}
	return nil
}

// probeFreeName finds the first "name (n).ext" not claimed by a live record.
func (s *UploadService) probeFreeName(ctx context.Context, path, filename string) (string, error) {
	repo := s.repos.Files(s.db)
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	for i := 1; i <= autoRenameProbeLimit; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		_, err := repo.FindByBucketPathAndFilename(ctx, s.cfg.Bucket, path, candidate)
		if errors.Is(err, common.ErrorNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("probe destination: %w", err)
		}
	}
	return "", fmt.Errorf("no free name for %s after %d probes: %w", filename, autoRenameProbeLimit, common.ErrPathTaken)
}

// unwindInitiate rolls back a half-initiated upload: abort the multipart
// upload if one was opened, drop the record, give back slot and quota.
// Best effort; failures are logged, never raised, so the original error
// reaches the caller unmasked.
func (s *UploadService) unwindInitiate(ctx context.Context, file *models.File, uploadID string) {
	if uploadID != "" {
		if err := s.store.AbortMultipartUpload(ctx, file.Bucket, file.ObjectKey, uploadID); err != nil {
			s.logger.Warn(ctx, "failed to abort multipart upload during unwind",
				"file_id", file.ID, "error", err)
		}
	}
	if err := s.repos.Files(s.db).Delete(ctx, file.ID); err != nil && !errors.Is(err, common.ErrorNotFound) {
		s.logger.Warn(ctx, "failed to remove file record during unwind",
			"file_id", file.ID, "error", err)
	}
	s.releaseSlot(ctx, file.UserID)
	s.releaseQuota(ctx, file.UserID, file.Size)
}

func (s *UploadService) releaseQuota(ctx context.Context, userID string, bytes int64) {
	if err := s.quota.Release(ctx, userID, bytes); err != nil {
		s.logger.Warn(ctx, "failed to release quota reservation",
			"user_id", userID, "bytes", bytes, "error", err)
	}
}

func (s *UploadService) releaseSlot(ctx context.Context, userID string) {
	if err := s.slots.Release(ctx, userID, s.cfg.SlotTTL); err != nil {
		s.logger.Warn(ctx, "failed to release upload slot", "user_id", userID, "error", err)
	}
}

// GeneratePartURL issues a presigned URL for one part of an active upload.
// Runs under the file lock so the status cannot flip mid-issuance.
func (s *UploadService) GeneratePartURL(ctx context.Context, fileID, userID string, partNumber int32) (string, error) {
	if partNumber < minPartNumber || partNumber > maxPartNumber {
		return "", fmt.Errorf("part %d outside [%d, %d]: %w",
			partNumber, minPartNumber, maxPartNumber, common.ErrInvalidPartNumber)
	}

	var url string
	err := s.locks.WithLock(ctx, locking.FileKey(fileID), s.cfg.LockTTL, s.cfg.LockAcquireTimeout, func(ctx context.Context) error {
		repo := s.repos.Files(s.db)
		file, err := repo.GetByID(ctx, fileID)
		if err != nil {
			return err
		}
		if err := s.requireActive(file, userID); err != nil {
			return err
		}

		url, err = s.store.PresignUploadPart(ctx, file.Bucket, file.ObjectKey, file.UploadID, partNumber, s.cfg.PartURLTTL)
		if err != nil {
			return fmt.Errorf("presign part %d: %w", partNumber, err)
		}

		file.LastActivityAt = time.Now()
		if err := repo.Update(ctx, file); err != nil {
			s.logger.Warn(ctx, "failed to bump upload activity", "file_id", fileID, "error", err)
		}
		return nil
	})
	if errors.Is(err, locking.ErrNotAcquired) {
		return "", common.ErrResourceBusy
	}
	if err != nil {
		return "", err
	}
	return url, nil
}

// requireActive checks ownership, UPLOADING status and freshness.
func (s *UploadService) requireActive(file *models.File, userID string) error {
	if userID != "" && file.UserID != userID {
		return common.ErrorUnauthorized
	}
	switch file.Status {
	case models.UploadStatusUploading:
	case models.UploadStatusUploaded:
		return common.ErrUploadAlreadyDone
	default:
		return fmt.Errorf("status %s: %w", file.Status, common.ErrUploadNotActive)
	}
	if s.cfg.StaleAfter > 0 && time.Since(file.LastActivityAt) > s.cfg.StaleAfter {
		return fmt.Errorf("inactive for more than %s: %w", s.cfg.StaleAfter, common.ErrUploadExpired)
	}
	return nil
}

// CompleteUpload validates the declared parts, finalizes the multipart
// object and transitions the file to UPLOADED. On any failure the upload is
// aborted as a compensating action. The concurrency slot is released no
// matter how the completion ends.
func (s *UploadService) CompleteUpload(ctx context.Context, fileID, userID string, parts []models.UploadPart) (*models.File, error) {
	normalized, err := normalizeParts(parts)
	if err != nil {
		return nil, err
	}

	var result *models.File
	err = s.locks.WithLock(ctx, locking.FileKey(fileID), s.cfg.LockTTL, s.cfg.LockAcquireTimeout, func(ctx context.Context) error {
		repo := s.repos.Files(s.db)
		file, err := repo.GetByID(ctx, fileID)
		if err != nil {
			return err
		}
		if userID != "" && file.UserID != userID {
			return common.ErrorUnauthorized
		}
		switch file.Status {
		case models.UploadStatusUploading:
		case models.UploadStatusUploaded:
			return common.ErrUploadAlreadyDone
		default:
			return fmt.Errorf("status %s: %w", file.Status, common.ErrUploadNotActive)
		}

		// Past this point the upload is genuinely being settled, one way
		// or the other, so the slot always comes back.
		defer s.releaseSlot(ctx, file.UserID)

		result, err = s.finishUpload(ctx, file, normalized)
		return err
	})
	if errors.Is(err, locking.ErrNotAcquired) {
		return nil, common.ErrResourceBusy
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// finishUpload runs the backend completion and the UPLOADED transition.
// Called with the file lock held.
func (s *UploadService) finishUpload(ctx context.Context, file *models.File, parts []models.UploadPart) (*models.File, error) {
	sizeCheckNeeded, err := s.crossCheckParts(ctx, file, parts)
	if err != nil {
		s.abortAfterFailure(ctx, file, "part validation failed")
		return nil, err
	}

	if _, err := s.store.CompleteMultipartUpload(ctx, file.Bucket, file.ObjectKey, file.UploadID, parts); err != nil {
		s.abortAfterFailure(ctx, file, "backend completion failed")
		return nil, fmt.Errorf("complete multipart upload: %w", err)
	}

	if sizeCheckNeeded {
		meta, err := s.store.GetObjectMetadata(ctx, file.Bucket, file.ObjectKey)
		if err != nil {
			s.failCompletedObject(ctx, file)
			return nil, fmt.Errorf("verify final object: %w", err)
		}
		if meta.Size != file.Size {
			s.failCompletedObject(ctx, file)
			return nil, fmt.Errorf("final size %d != declared %d: %w", meta.Size, file.Size, common.ErrPartMismatch)
		}
	}

	repo := s.repos.Files(s.db)
	file.Status = models.UploadStatusUploaded
	file.UploadID = ""
	file.LastActivityAt = time.Now()
	if err := repo.Update(ctx, file); err != nil {
		// The object exists but the record does not reflect it; drop the
		// object rather than leak storage the ledger will never see.
		s.failCompletedObject(ctx, file)
		return nil, fmt.Errorf("persist uploaded status: %w", err)
	}

	if file.IsPublic {
		if err := s.store.SetObjectVisibility(ctx, file.Bucket, file.ObjectKey, true); err != nil {
			s.logger.Warn(ctx, "failed to apply public acl", "file_id", file.ID, "error", err)
		}
	}

	if err := s.quota.Finalize(ctx, file.UserID, file.Size); err != nil {
		s.logger.Warn(ctx, "failed to finalize quota reservation",
			"user_id", file.UserID, "bytes", file.Size, "error", err)
	}

	s.logger.Info(ctx, "upload completed", "file_id", file.ID, "key", file.ObjectKey)
	return file, nil
}

// crossCheckParts compares the declared parts with what the backend has
// recorded. Returns true when the backend cannot enumerate parts and the
// final object size must be verified instead.
func (s *UploadService) crossCheckParts(ctx context.Context, file *models.File, declared []models.UploadPart) (bool, error) {
	recorded, err := s.store.ListUploadParts(ctx, file.Bucket, file.ObjectKey, file.UploadID)
	if errors.Is(err, objectstore.ErrListPartsUnsupported) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("list uploaded parts: %w", err)
	}

	if len(recorded) != len(declared) {
		return false, fmt.Errorf("backend has %d parts, %d declared: %w",
			len(recorded), len(declared), common.ErrPartMismatch)
	}

	etags := make(map[int32]string, len(recorded))
	for _, p := range recorded {
		etags[p.PartNumber] = strings.Trim(p.ETag, `"`)
	}
	for _, p := range declared {
		recordedETag, ok := etags[p.PartNumber]
		if !ok || recordedETag != strings.Trim(p.ETag, `"`) {
			return false, fmt.Errorf("part %d: %w", p.PartNumber, common.ErrPartMismatch)
		}
	}
	return false, nil
}

// abortAfterFailure is the compensating action for a failed completion.
// Called with the file lock held; must not re-acquire it. The slot is
// handled by the caller, so only multipart state, the record and quota are
// unwound here.
func (s *UploadService) abortAfterFailure(ctx context.Context, file *models.File, reason string) {
	s.logger.Warn(ctx, "aborting upload after failure",
		"file_id", file.ID, "reason", reason)

	if err := s.abortLocked(ctx, file); err != nil {
		s.logger.Error(ctx, "compensating abort failed", "file_id", file.ID, "error", err)
	}
	s.releaseQuota(ctx, file.UserID, file.Size)
}

// failCompletedObject handles the narrow window where the backend object was
// assembled but the upload still failed: remove the object, mark the record
// FAILED, give the reservation back.
func (s *UploadService) failCompletedObject(ctx context.Context, file *models.File) {
	if err := s.store.DeleteObject(ctx, file.Bucket, file.ObjectKey); err != nil {
		s.logger.Error(ctx, "failed to remove object of failed completion",
			"file_id", file.ID, "key", file.ObjectKey, "error", err)
	}

	file.Status = models.UploadStatusFailed
	file.UploadID = ""
	if err := s.repos.Files(s.db).Update(ctx, file); err != nil {
		s.logger.Error(ctx, "failed to mark upload failed", "file_id", file.ID, "error", err)
	}
	s.releaseQuota(ctx, file.UserID, file.Size)
}

// AbortUpload cancels an in-flight upload. Idempotent: an unknown file id is
// treated as already aborted. The database deletion runs first, inside a
// transaction; if the backend abort fails while the object still exists in
// storage, the deletion is rolled back so no object is left without a
// record. Quota and slot release always follow, whatever the transaction
// outcome.
func (s *UploadService) AbortUpload(ctx context.Context, fileID, userID, reason string) error {
	err := s.locks.WithLock(ctx, locking.FileKey(fileID), s.cfg.LockTTL, s.cfg.LockAcquireTimeout, func(ctx context.Context) error {
		file, err := s.repos.Files(s.db).GetByID(ctx, fileID)
		if errors.Is(err, common.ErrorNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if userID != "" && file.UserID != userID {
			return common.ErrorUnauthorized
		}
		if file.Status == models.UploadStatusUploaded {
			return common.ErrUploadAlreadyDone
		}

		s.logger.Info(ctx, "aborting upload", "file_id", fileID, "reason", reason)

		abortErr := s.abortLocked(ctx, file)

		s.releaseSlot(ctx, file.UserID)
		s.releaseQuota(ctx, file.UserID, file.Size)

		return abortErr
	})
	if errors.Is(err, locking.ErrNotAcquired) {
		return common.ErrResourceBusy
	}
	return err
}

// abortLocked removes the record and the backend multipart state. Called
// with the file lock held. Does not touch quota or slot.
func (s *UploadService) abortLocked(ctx context.Context, file *models.File) error {
	return s.inTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repos.Files(tx).Delete(ctx, file.ID); err != nil && !errors.Is(err, common.ErrorNotFound) {
			return fmt.Errorf("delete file record: %w", err)
		}

		if file.UploadID == "" {
			return nil
		}

		if err := s.store.AbortMultipartUpload(ctx, file.Bucket, file.ObjectKey, file.UploadID); err != nil {
			exists, existsErr := s.store.ObjectExists(ctx, file.Bucket, file.ObjectKey)
			if existsErr != nil {
				s.logger.Warn(ctx, "could not probe object after failed abort",
					"file_id", file.ID, "error", existsErr)
			}
			if existsErr == nil && !exists {
				// Nothing left in storage; the record deletion stands.
				s.logger.Warn(ctx, "backend abort failed but object is gone",
					"file_id", file.ID, "error", err)
				return nil
			}
			// The object (or upload) is still there; rolling back keeps
			// the record pointing at it.
			return fmt.Errorf("abort multipart upload: %w", err)
		}
		return nil
	})
}

// Heartbeat signals liveness of a long-running upload: bumps last activity
// and refreshes the concurrency-slot TTL.
func (s *UploadService) Heartbeat(ctx context.Context, fileID, userID string) error {
	repo := s.repos.Files(s.db)
	file, err := repo.GetByID(ctx, fileID)
	if err != nil {
		return err
	}
	if file.UserID != userID {
		return common.ErrorUnauthorized
	}
	if file.Status != models.UploadStatusUploading {
		return fmt.Errorf("status %s: %w", file.Status, common.ErrUploadNotActive)
	}

	file.LastActivityAt = time.Now()
	if err := repo.Update(ctx, file); err != nil {
		return fmt.Errorf("bump upload activity: %w", err)
	}
	if err := s.slots.Heartbeat(ctx, userID, s.cfg.SlotTTL); err != nil {
		s.logger.Warn(ctx, "failed to refresh slot ttl", "user_id", userID, "error", err)
	}
	return nil
}

// UploadStatusInfo is the read-only projection of an upload.
type UploadStatusInfo struct {
	FileID         string
	Status         models.UploadStatus
	Path           string
	Filename       string
	Size           int64
	LastActivityAt time.Time
	CreatedAt      time.Time
}

// GetUploadStatus reports the current lifecycle state of a file.
func (s *UploadService) GetUploadStatus(ctx context.Context, fileID, userID string) (*UploadStatusInfo, error) {
	file, err := s.repos.Files(s.db).GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if userID != "" && file.UserID != userID {
		return nil, common.ErrorUnauthorized
	}
	return &UploadStatusInfo{
		FileID:         file.ID,
		Status:         file.Status,
		Path:           file.Path,
		Filename:       file.Filename,
		Size:           file.Size,
		LastActivityAt: file.LastActivityAt,
		CreatedAt:      file.CreatedAt,
	}, nil
}

// CleanupExpiredUploads reaps uploads inactive beyond maxAge: aborts them in
// storage, drops their records and returns their quota and slots. Returns
// how many uploads were reaped. Individual failures are logged and skipped;
// the sweep continues.
func (s *UploadService) CleanupExpiredUploads(ctx context.Context, maxAge time.Duration) (int, error) {
	expired, err := s.repos.Files(s.db).FindExpiredUploads(ctx, maxAge)
	if err != nil {
		return 0, fmt.Errorf("find expired uploads: %w", err)
	}

	reaped := 0
	for _, file := range expired {
		if err := s.AbortUpload(ctx, file.ID, "", "expired"); err != nil {
			s.logger.Warn(ctx, "failed to reap expired upload", "file_id", file.ID, "error", err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		s.logger.Info(ctx, "reaped expired uploads", "count", reaped)
	}
	return reaped, nil
}

// normalizeParts validates the declared part list and returns it sorted by
// part number. Order-independent input is accepted; duplicates and empty
// integrity tags are rejected before any backend call.
func normalizeParts(parts []models.UploadPart) ([]models.UploadPart, error) {
	if len(parts) == 0 {
		return nil, errors.New("no parts declared")
	}

	seen := make(map[int32]struct{}, len(parts))
	out := make([]models.UploadPart, 0, len(parts))
	for _, p := range parts {
		if p.PartNumber < minPartNumber || p.PartNumber > maxPartNumber {
			return nil, fmt.Errorf("part %d outside [%d, %d]: %w",
				p.PartNumber, minPartNumber, maxPartNumber, common.ErrInvalidPartNumber)
		}
		if _, dup := seen[p.PartNumber]; dup {
			return nil, fmt.Errorf("part %d: %w", p.PartNumber, common.ErrDuplicatePartNumber)
		}
		if strings.TrimSpace(p.ETag) == "" {
			return nil, fmt.Errorf("part %d: %w", p.PartNumber, common.ErrMissingPartETag)
		}
		seen[p.PartNumber] = struct{}{}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	return out, nil
}
