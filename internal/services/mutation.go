package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tenantworks/storagecore/internal/common"
	"github.com/tenantworks/storagecore/internal/dbx"
	"github.com/tenantworks/storagecore/internal/locking"
	"github.com/tenantworks/storagecore/internal/logging"
	"github.com/tenantworks/storagecore/internal/models"
	"github.com/tenantworks/storagecore/internal/objectstore"
	"github.com/tenantworks/storagecore/internal/repositories/repomanager"
)

// FileConfig carries the tunables of file and folder mutations.
type FileConfig struct {
	Bucket string

	LockTTL            time.Duration
	LockAcquireTimeout time.Duration

	// FolderLockTimeout is the shared deadline for acquiring every lock of
	// a folder-level operation.
	FolderLockTimeout time.Duration

	// FolderWorkers bounds how many per-file operations run concurrently
	// inside one folder operation.
	FolderWorkers int

	// DownloadURLTTL is the lifetime of presigned GET URLs.
	DownloadURLTTL time.Duration
}

// FileService orchestrates mutations of uploaded files: move, rename,
// delete, visibility and folder-level variants. Every mutation holds the
// file's distributed lock; folder operations take all participant locks in
// sorted order under one shared deadline. The object store is the side
// effect that cannot join the database transaction, so copy-style mutations
// compensate explicitly when the database update fails after the copy.
type FileService struct {
	db     *sql.DB
	repos  repomanager.Manager
	store  objectstore.Store
	locks  *locking.Manager
	cfg    FileConfig
	logger logging.Logger

	// runTx is a seam over dbx.WithTx so tests can supply their own
	// transaction semantics.
	runTx func(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error
}

// NewFileService wires the mutation orchestrator.
func NewFileService(
	db *sql.DB,
	repos repomanager.Manager,
	store objectstore.Store,
	locks *locking.Manager,
	cfg FileConfig,
	logger logging.Logger,
) *FileService {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if cfg.FolderWorkers <= 0 {
		cfg.FolderWorkers = 8
	}
	return &FileService{
		db:     db,
		repos:  repos,
		store:  store,
		locks:  locks,
		cfg:    cfg,
		logger: logger,
	}
}

func (s *FileService) inTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	if s.runTx != nil {
		return s.runTx(ctx, fn)
	}
	if s.db == nil {
		return fn(ctx, nil)
	}
	return dbx.WithTx(ctx, s.db, nil, fn)
}

// MoveFile relocates an uploaded file to a new logical path, keeping its
// filename.
func (s *FileService) MoveFile(ctx context.Context, fileID, userID, newPath string, overwrite bool) (*models.File, error) {
	return s.relocate(ctx, fileID, userID, newPath, "", overwrite)
}

// RenameFile changes an uploaded file's name, keeping its path.
func (s *FileService) RenameFile(ctx context.Context, fileID, userID, newFilename string, overwrite bool) (*models.File, error) {
	if newFilename == "" || strings.ContainsAny(newFilename, "/\\") {
		return nil, errors.New("invalid filename")
	}
	return s.relocate(ctx, fileID, userID, "", newFilename, overwrite)
}

// relocate wraps relocateLocked in the file's lock. Empty newPath keeps the
// current path, empty newFilename keeps the current name.
func (s *FileService) relocate(ctx context.Context, fileID, userID, newPath, newFilename string, overwrite bool) (*models.File, error) {
	var result *models.File
	err := s.locks.WithLock(ctx, locking.FileKey(fileID), s.cfg.LockTTL, s.cfg.LockAcquireTimeout, func(ctx context.Context) error {
		file, err := s.loadUploaded(ctx, fileID, userID)
		if err != nil {
			return err
		}

		path := file.Path
		if newPath != "" {
			path = strings.Trim(newPath, "/")
		}
		filename := file.Filename
		if newFilename != "" {
			filename = newFilename
		}

		result, err = s.relocateLocked(ctx, file, path, filename, overwrite)
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

// loadUploaded fetches the file and checks ownership and UPLOADED status.
func (s *FileService) loadUploaded(ctx context.Context, fileID, userID string) (*models.File, error) {
	file, err := s.repos.Files(s.db).GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if userID != "" && file.UserID != userID {
		return nil, common.ErrorUnauthorized
	}
	if file.Status != models.UploadStatusUploaded {
		return nil, fmt.Errorf("status %s: %w", file.Status, common.ErrFileNotUploaded)
	}
	return file, nil
}

// relocateLocked performs the copy-update-delete sequence for one file.
// Called with the file's lock held.
//
// Order matters: copy to the new key, commit the record, then delete the old
// object. A database failure after the copy triggers a best-effort rollback
// of the copy before the error propagates.
func (s *FileService) relocateLocked(ctx context.Context, file *models.File, newPath, newFilename string, overwrite bool) (*models.File, error) {
	newKey := models.ObjectKeyFor(newPath, newFilename)
	if newKey == file.ObjectKey {
		return file, nil
	}

	repo := s.repos.Files(s.db)

	existing, err := repo.FindByBucketPathAndFilename(ctx, file.Bucket, newPath, newFilename)
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		return nil, fmt.Errorf("probe destination: %w", err)
	}
	if existing != nil {
		if !overwrite {
			return nil, fmt.Errorf("%s/%s: %w", newPath, newFilename, common.ErrPathTaken)
		}
		if existing.Status != models.UploadStatusUploaded {
			return nil, fmt.Errorf("upload in progress at %s/%s: %w", newPath, newFilename, common.ErrPathTaken)
		}
		if err := s.removeLocked(ctx, existing); err != nil {
			return nil, fmt.Errorf("overwrite destination: %w", err)
		}
	}

	if err := s.store.CopyObject(ctx, file.Bucket, file.ObjectKey, newKey); err != nil {
		return nil, fmt.Errorf("copy object: %w", err)
	}

	oldKey, oldPath, oldFilename := file.ObjectKey, file.Path, file.Filename
	file.Path = newPath
	file.Filename = newFilename
	file.ObjectKey = newKey
	file.UpdatedAt = time.Now()

	if err := repo.Update(ctx, file); err != nil {
		// The copy is the side effect the database cannot roll back for
		// us; undo it before surfacing the error.
		if copyErr := s.store.CopyObject(ctx, file.Bucket, newKey, oldKey); copyErr != nil {
			s.logger.Error(ctx, "rollback copy-back failed",
				"file_id", file.ID, "key", oldKey, "error", copyErr)
		}
		if delErr := s.store.DeleteObject(ctx, file.Bucket, newKey); delErr != nil {
			s.logger.Error(ctx, "rollback delete failed",
				"file_id", file.ID, "key", newKey, "error", delErr)
		}
		file.Path, file.Filename, file.ObjectKey = oldPath, oldFilename, oldKey
		return nil, fmt.Errorf("persist relocation: %w", err)
	}

	if err := s.store.DeleteObject(ctx, file.Bucket, oldKey); err != nil {
		// The record already points at the new key; the stale object is
		// an orphan for a later sweep, not a failure.
		s.logger.Warn(ctx, "failed to delete old object after relocation",
			"file_id", file.ID, "key", oldKey, "error", err)
	}

	s.logger.Info(ctx, "file relocated", "file_id", file.ID, "from", oldKey, "to", newKey)
	return file, nil
}

// DeleteFile removes an uploaded file, database row first: if the object
// deletion fails while the object still exists, the row deletion is rolled
// back so the record keeps pointing at the object.
func (s *FileService) DeleteFile(ctx context.Context, fileID, userID string) error {
	err := s.locks.WithLock(ctx, locking.FileKey(fileID), s.cfg.LockTTL, s.cfg.LockAcquireTimeout, func(ctx context.Context) error {
		file, err := s.loadUploaded(ctx, fileID, userID)
		if err != nil {
			return err
		}
		return s.removeLocked(ctx, file)
	})
	if errors.Is(err, locking.ErrNotAcquired) {
		return common.ErrResourceBusy
	}
	return err
}

// removeLocked deletes one uploaded file's row and object. Called with the
// file's lock held.
func (s *FileService) removeLocked(ctx context.Context, file *models.File) error {
	return s.inTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repos.Files(tx).Delete(ctx, file.ID); err != nil {
			return fmt.Errorf("delete file record: %w", err)
		}
		if err := s.store.DeleteObject(ctx, file.Bucket, file.ObjectKey); err != nil {
			exists, existsErr := s.store.ObjectExists(ctx, file.Bucket, file.ObjectKey)
			if existsErr == nil && !exists {
				return nil
			}
			return fmt.Errorf("delete object: %w", err)
		}
		return nil
	})
}

// SetFileVisibility flips the object ACL and persists the flag. An ACL
// change that cannot be recorded is reverted.
func (s *FileService) SetFileVisibility(ctx context.Context, fileID, userID string, public bool) (*models.File, error) {
	var result *models.File
	err := s.locks.WithLock(ctx, locking.FileKey(fileID), s.cfg.LockTTL, s.cfg.LockAcquireTimeout, func(ctx context.Context) error {
		file, err := s.loadUploaded(ctx, fileID, userID)
		if err != nil {
			return err
		}
		if file.IsPublic == public {
			result = file
			return nil
		}

		if err := s.store.SetObjectVisibility(ctx, file.Bucket, file.ObjectKey, public); err != nil {
			return fmt.Errorf("set object acl: %w", err)
		}

		file.IsPublic = public
		if err := s.repos.Files(s.db).Update(ctx, file); err != nil {
			if aclErr := s.store.SetObjectVisibility(ctx, file.Bucket, file.ObjectKey, !public); aclErr != nil {
				s.logger.Error(ctx, "failed to revert acl after db error",
					"file_id", file.ID, "error", aclErr)
			}
			return fmt.Errorf("persist visibility: %w", err)
		}
		result = file
		return nil
	})
	if errors.Is(err, locking.ErrNotAcquired) {
		return nil, common.ErrResourceBusy
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GenerateSignedURL issues a temporary download URL for an uploaded file.
func (s *FileService) GenerateSignedURL(ctx context.Context, fileID, userID string) (string, error) {
	file, err := s.loadUploaded(ctx, fileID, userID)
	if err != nil {
		return "", err
	}
	url, err := s.store.PresignGetObject(ctx, file.Bucket, file.ObjectKey, s.cfg.DownloadURLTTL)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return url, nil
}

// FileFailure records one file that a folder operation could not process.
type FileFailure struct {
	FileID string
	Path   string
	Err    string
}

// FolderResult aggregates the outcome of a folder-level operation. Folder
// operations are not atomic as a whole: files processed before a failure
// stay processed.
type FolderResult struct {
	Processed int
	Failed    []FileFailure
}

// RenameFolder moves every uploaded file under oldPrefix to newPrefix.
// All participant locks are taken in sorted order under one shared deadline,
// then the per-file copy-update-delete sequences run on a bounded worker
// pool.
func (s *FileService) RenameFolder(ctx context.Context, userID, oldPrefix, newPrefix string) (*FolderResult, error) {
	oldPrefix = strings.Trim(oldPrefix, "/")
	newPrefix = strings.Trim(newPrefix, "/")
	if oldPrefix == "" {
		return nil, errors.New("folder prefix is required")
	}
	if oldPrefix == newPrefix {
		return &FolderResult{}, nil
	}

	targets, err := s.folderTargets(ctx, userID, oldPrefix)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return &FolderResult{}, nil
	}

	result, err := s.withFolderLocks(ctx, targets, func(ctx context.Context) *FolderResult {
		return s.forEachFile(ctx, targets, func(ctx context.Context, file *models.File) error {
			rel := strings.TrimPrefix(strings.TrimPrefix(file.Path, oldPrefix), "/")
			newPath := newPrefix
			if rel != "" {
				newPath = newPrefix + "/" + rel
			}
			_, err := s.relocateLocked(ctx, file, newPath, file.Filename, false)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "folder renamed", "from", oldPrefix, "to", newPrefix,
		"processed", result.Processed, "failed", len(result.Failed))
	return result, nil
}

// DeleteFolder removes every uploaded file under prefix. Rows are deleted on
// the worker pool; the surviving objects (plus the folder marker) go in one
// batch delete afterwards.
func (s *FileService) DeleteFolder(ctx context.Context, userID, prefix string) (*FolderResult, error) {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return nil, errors.New("folder prefix is required")
	}

	targets, err := s.folderTargets(ctx, userID, prefix)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return &FolderResult{}, nil
	}

	result, err := s.withFolderLocks(ctx, targets, func(ctx context.Context) *FolderResult {
		return s.forEachFile(ctx, targets, func(ctx context.Context, file *models.File) error {
			if err := s.repos.Files(s.db).Delete(ctx, file.ID); err != nil {
				return fmt.Errorf("delete file record: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	failedIDs := make(map[string]struct{}, len(result.Failed))
	for _, f := range result.Failed {
		failedIDs[f.FileID] = struct{}{}
	}
	deletedKeys := make([]string, 0, len(targets)+1)
	for _, t := range targets {
		if _, failed := failedIDs[t.ID]; !failed {
			deletedKeys = append(deletedKeys, t.ObjectKey)
		}
	}
	deletedKeys = append(deletedKeys, prefix+"/")
	if err := s.store.DeleteObjects(ctx, s.cfg.Bucket, deletedKeys); err != nil {
		// Rows are gone; leftover objects are orphans for operators, not
		// a reason to fail the folder delete.
		s.logger.Error(ctx, "batch object delete failed", "prefix", prefix, "error", err)
	}

	s.logger.Info(ctx, "folder deleted", "prefix", prefix,
		"processed", result.Processed, "failed", len(result.Failed))
	return result, nil
}

// folderTargets lists the user's uploaded files under prefix.
func (s *FileService) folderTargets(ctx context.Context, userID, prefix string) ([]*models.File, error) {
	all, err := s.repos.Files(s.db).FindByBucketAndPrefix(ctx, s.cfg.Bucket, prefix)
	if err != nil {
		return nil, fmt.Errorf("list folder: %w", err)
	}

	targets := make([]*models.File, 0, len(all))
	for _, f := range all {
		if userID != "" && f.UserID != userID {
			continue
		}
		if f.Status != models.UploadStatusUploaded {
			continue
		}
		targets = append(targets, f)
	}
	return targets, nil
}

// withFolderLocks runs fn while holding every target's file lock.
func (s *FileService) withFolderLocks(ctx context.Context, targets []*models.File, fn func(ctx context.Context) *FolderResult) (*FolderResult, error) {
	keys := make([]string, len(targets))
	for i, f := range targets {
		keys[i] = locking.FileKey(f.ID)
	}

	var result *FolderResult
	err := s.locks.WithLocks(ctx, keys, s.cfg.LockTTL, s.cfg.FolderLockTimeout, func(ctx context.Context) error {
		result = fn(ctx)
		return nil
	})
	if errors.Is(err, locking.ErrNotAcquired) {
		return nil, common.ErrResourceBusy
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// forEachFile applies op to every file on a bounded worker pool, collecting
// per-file failures instead of failing the whole batch.
func (s *FileService) forEachFile(ctx context.Context, targets []*models.File, op func(ctx context.Context, file *models.File) error) *FolderResult {
	errs := make([]error, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FolderWorkers)
	for i, file := range targets {
		g.Go(func() error {
			errs[i] = op(gctx, file)
			return nil
		})
	}
	_ = g.Wait()

	result := &FolderResult{}
	for i, err := range errs {
		if err != nil {
			result.Failed = append(result.Failed, FileFailure{
				FileID: targets[i].ID,
				Path:   targets[i].Path + "/" + targets[i].Filename,
				Err:    err.Error(),
			})
			continue
		}
		result.Processed++
	}
	return result
}
