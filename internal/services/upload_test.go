package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tenantworks/storagecore/internal/common"
	"github.com/tenantworks/storagecore/internal/coordstore"
	"github.com/tenantworks/storagecore/internal/dbx"
	"github.com/tenantworks/storagecore/internal/locking"
	"github.com/tenantworks/storagecore/internal/models"
	"github.com/tenantworks/storagecore/internal/objectstore"
	"github.com/tenantworks/storagecore/internal/quota"
	"github.com/tenantworks/storagecore/internal/repositories/files"
	"github.com/tenantworks/storagecore/internal/slots"
	"github.com/tenantworks/storagecore/internal/tiers"
)

// --- fakes ---

// fakeFilesRepo is an in-memory files.Repository with injectable failures.
type fakeFilesRepo struct {
	mu    sync.Mutex
	files map[string]models.File

	createErr  error
	updateErr  map[string]error
	deleteErr  map[string]error
	updateSeen []string
}

func newFakeFilesRepo() *fakeFilesRepo {
	return &fakeFilesRepo{
		files:     make(map[string]models.File),
		updateErr: make(map[string]error),
		deleteErr: make(map[string]error),
	}
}

func (r *fakeFilesRepo) put(f models.File) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[f.ID] = f
}

func (r *fakeFilesRepo) get(id string) (models.File, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	return f, ok
}

func (r *fakeFilesRepo) snapshot() map[string]models.File {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[string]models.File, len(r.files))
	for id, f := range r.files {
		snap[id] = f
	}
	return snap
}

func (r *fakeFilesRepo) restore(snap map[string]models.File) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = snap
}

func (r *fakeFilesRepo) Create(ctx context.Context, file *models.File) error {
	if r.createErr != nil {
		return r.createErr
	}
	f := *file
	f.CreatedAt = time.Now()
	r.put(f)
	return nil
}

func (r *fakeFilesRepo) GetByID(ctx context.Context, id string) (*models.File, error) {
	f, ok := r.get(id)
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, common.ErrorNotFound)
	}
	return &f, nil
}

func (r *fakeFilesRepo) Update(ctx context.Context, file *models.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateSeen = append(r.updateSeen, file.ID)
	if err := r.updateErr[file.ID]; err != nil {
		return err
	}
	if _, ok := r.files[file.ID]; !ok {
		return fmt.Errorf("file %s: %w", file.ID, common.ErrorNotFound)
	}
	f := *file
	f.UpdatedAt = time.Now()
	r.files[file.ID] = f
	return nil
}

func (r *fakeFilesRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.deleteErr[id]; err != nil {
		return err
	}
	if _, ok := r.files[id]; !ok {
		return fmt.Errorf("file %s: %w", id, common.ErrorNotFound)
	}
	delete(r.files, id)
	return nil
}

func live(s models.UploadStatus) bool {
	return s != models.UploadStatusFailed && s != models.UploadStatusDeleted
}

func (r *fakeFilesRepo) FindByBucketPathAndFilename(ctx context.Context, bucket, path, filename string) (*models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		if f.Bucket == bucket && f.Path == path && f.Filename == filename && live(f.Status) {
			out := f
			return &out, nil
		}
	}
	return nil, fmt.Errorf("file %s/%s: %w", path, filename, common.ErrorNotFound)
}

func (r *fakeFilesRepo) FindByBucketAndPrefix(ctx context.Context, bucket, prefix string) ([]*models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.File
	for _, f := range r.files {
		if f.Bucket != bucket || !live(f.Status) {
			continue
		}
		if f.Path == prefix || strings.HasPrefix(f.Path, prefix+"/") {
			c := f
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Filename < out[j].Filename
	})
	return out, nil
}

func (r *fakeFilesRepo) FindExpiredUploads(ctx context.Context, maxAge time.Duration) ([]*models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	var out []*models.File
	for _, f := range r.files {
		if (f.Status == models.UploadStatusPending || f.Status == models.UploadStatusUploading) &&
			f.LastActivityAt.Before(cutoff) {
			c := f
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *fakeFilesRepo) GetUserUsedBytes(ctx context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var used int64
	for _, f := range r.files {
		if f.UserID == userID && f.Status == models.UploadStatusUploaded {
			used += f.Size
		}
	}
	return used, nil
}

func (r *fakeFilesRepo) GetUserActiveUploadsCount(ctx context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, f := range r.files {
		if f.UserID == userID && (f.Status == models.UploadStatusPending || f.Status == models.UploadStatusUploading) {
			count++
		}
	}
	return count, nil
}

type fakeRepoManager struct {
	files *fakeFilesRepo
}

func (m *fakeRepoManager) Files(db dbx.DBTX) files.Repository            { return m.files }
func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error { return nil }

// fakeObjectStore records calls and simulates backend state through an
// object-existence map.
type fakeObjectStore struct {
	mu sync.Mutex

	uploadSeq   int
	initiateErr error

	completeCalls int
	completeErr   error

	abortCalls int
	abortErr   error

	listParts []models.UploadPart
	listErr   error

	metaSize int64
	metaErr  error

	copies  []string
	copyErr map[string]error

	deleted   []string
	deleteErr map[string]error

	batchDeleted   [][]string
	batchDeleteErr error

	exists map[string]bool

	aclCalls []bool
	aclErr   error

	presignErr error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		listErr:   objectstore.ErrListPartsUnsupported,
		copyErr:   make(map[string]error),
		deleteErr: make(map[string]error),
		exists:    make(map[string]bool),
	}
}

var _ objectstore.Store = (*fakeObjectStore)(nil)

func (f *fakeObjectStore) InitiateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initiateErr != nil {
		return "", f.initiateErr
	}
	f.uploadSeq++
	return fmt.Sprintf("mpu-%d", f.uploadSeq), nil
}

func (f *fakeObjectStore) PresignUploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, ttl time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return fmt.Sprintf("https://signed.example/%s/%s?part=%d", bucket, key, partNumber), nil
}

func (f *fakeObjectStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []models.UploadPart) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	if f.completeErr != nil {
		return "", f.completeErr
	}
	f.exists[key] = true
	return `"etag-final"`, nil
}

func (f *fakeObjectStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	return f.abortErr
}

func (f *fakeObjectStore) ListUploadParts(ctx context.Context, bucket, key, uploadID string) ([]models.UploadPart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listParts, nil
}

func (f *fakeObjectStore) CopyObject(ctx context.Context, bucket, srcKey, dstKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.copyErr[dstKey]; err != nil {
		return err
	}
	f.copies = append(f.copies, srcKey+"->"+dstKey)
	f.exists[dstKey] = true
	return nil
}

func (f *fakeObjectStore) DeleteObject(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[key]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, key)
	delete(f.exists, key)
	return nil
}

func (f *fakeObjectStore) DeleteObjects(ctx context.Context, bucket string, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchDeleted = append(f.batchDeleted, keys)
	if f.batchDeleteErr != nil {
		return f.batchDeleteErr
	}
	for _, key := range keys {
		delete(f.exists, key)
	}
	return nil
}

func (f *fakeObjectStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists[key], nil
}

func (f *fakeObjectStore) GetObjectMetadata(ctx context.Context, bucket, key string) (*objectstore.ObjectMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	return &objectstore.ObjectMetadata{Size: f.metaSize, ETag: `"etag-final"`}, nil
}

func (f *fakeObjectStore) SetObjectVisibility(ctx context.Context, bucket, key string, public bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aclCalls = append(f.aclCalls, public)
	return f.aclErr
}

func (f *fakeObjectStore) CreateFolder(ctx context.Context, bucket, prefix string) error {
	return nil
}

func (f *fakeObjectStore) PresignGetObject(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return fmt.Sprintf("https://signed.example/%s/%s", bucket, key), nil
}

// --- harness ---

type uploadHarness struct {
	repo  *fakeFilesRepo
	store *fakeObjectStore
	quota *quota.Ledger
	slots *slots.Governor
	svc   *UploadService
}

func defaultTier() models.Tier {
	return models.Tier{
		Name:                 "standard",
		MaxStorageBytes:      1000,
		MaxFileSizeBytes:     500,
		MaxConcurrentUploads: 5,
	}
}

func newUploadHarness(t *testing.T, tier models.Tier) *uploadHarness {
	t.Helper()

	repo := newFakeFilesRepo()
	store := newFakeObjectStore()
	coord := coordstore.NewMemoryStore()
	locks := locking.NewManager(coord)
	provider := tiers.NewStaticProvider(tier)
	ledger := quota.NewLedger(coord, locks, repo, provider)
	governor := slots.NewGovernor(coord, nil)

	svc := NewUploadService(nil, &fakeRepoManager{files: repo}, store, locks, ledger, governor, provider,
		UploadConfig{
			Bucket:                     "media",
			StaleAfter:                 time.Hour,
			PartURLTTL:                 time.Minute,
			LockTTL:                    time.Second,
			LockAcquireTimeout:         0,
			SlotTTL:                    time.Minute,
			GlobalMaxConcurrentUploads: 10,
		}, nil)

	return &uploadHarness{repo: repo, store: store, quota: ledger, slots: governor, svc: svc}
}

// txWithRollback mimics a real transaction for the in-memory repo: on error
// the repo contents are restored to the pre-transaction state.
func (h *uploadHarness) txWithRollback() func(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	return func(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
		snap := h.repo.snapshot()
		if err := fn(ctx, nil); err != nil {
			h.repo.restore(snap)
			return err
		}
		return nil
	}
}

func (h *uploadHarness) initiate(t *testing.T, filename string, size int64) *InitiateUploadResult {
	t.Helper()
	res, err := h.svc.InitiateUpload(context.Background(), InitiateUploadParams{
		UserID:   "u1",
		Path:     "docs",
		Filename: filename,
		MimeType: "application/pdf",
		Size:     size,
	})
	if err != nil {
		t.Fatalf("InitiateUpload(%s): %v", filename, err)
	}
	return res
}

func (h *uploadHarness) currentUsage(t *testing.T) int64 {
	t.Helper()
	u, err := h.quota.Usage(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	return u.CurrentUsage
}

func (h *uploadHarness) activeSlots(t *testing.T) int64 {
	t.Helper()
	n, err := h.slots.Active(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	return n
}

func (h *uploadHarness) seedUploaded(id, userID, path, filename string, size int64) models.File {
	f := models.File{
		ID:        id,
		UserID:    userID,
		Bucket:    "media",
		ObjectKey: models.ObjectKeyFor(path, filename),
		Path:      path,
		Filename:  filename,
		MimeType:  "application/pdf",
		Size:      size,
		Status:    models.UploadStatusUploaded,
		CreatedAt: time.Now(),
	}
	h.repo.put(f)
	h.store.exists[f.ObjectKey] = true
	return f
}

// --- initiation ---

func TestInitiateUpload_Success(t *testing.T) {
	h := newUploadHarness(t, defaultTier())

	res := h.initiate(t, "report.pdf", 100)

	if res.ObjectKey != "docs/report.pdf" {
		t.Fatalf("object key: got %q", res.ObjectKey)
	}
	if res.UploadID != "mpu-1" {
		t.Fatalf("upload id: got %q", res.UploadID)
	}

	f, ok := h.repo.get(res.FileID)
	if !ok {
		t.Fatal("file record missing")
	}
	if f.Status != models.UploadStatusUploading {
		t.Fatalf("status: got %s, want uploading", f.Status)
	}
	if f.UploadID != "mpu-1" {
		t.Fatalf("record upload id: got %q", f.UploadID)
	}

	if got := h.currentUsage(t); got != 100 {
		t.Fatalf("reserved usage: got %d, want 100", got)
	}
	if got := h.activeSlots(t); got != 1 {
		t.Fatalf("active slots: got %d, want 1", got)
	}
}

func TestInitiateUpload_RejectsOversizedFile(t *testing.T) {
	h := newUploadHarness(t, defaultTier())

	_, err := h.svc.InitiateUpload(context.Background(), InitiateUploadParams{
		UserID: "u1", Path: "docs", Filename: "big.bin", MimeType: "application/octet-stream", Size: 501,
	})
	if !errors.Is(err, common.ErrFileTooLarge) {
		t.Fatalf("want ErrFileTooLarge, got %v", err)
	}
}

func TestInitiateUpload_RejectsDisallowedType(t *testing.T) {
	tier := defaultTier()
	tier.AllowedMimeTypes = []string{"image/"}
	h := newUploadHarness(t, tier)

	_, err := h.svc.InitiateUpload(context.Background(), InitiateUploadParams{
		UserID: "u1", Path: "docs", Filename: "report.pdf", MimeType: "application/pdf", Size: 10,
	})
	if !errors.Is(err, common.ErrFileTypeNotAllowed) {
		t.Fatalf("want ErrFileTypeNotAllowed, got %v", err)
	}
}

func TestInitiateUpload_QuotaExceeded(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	h.seedUploaded("old", "u1", "archive", "old.pdf", 950)

	_, err := h.svc.InitiateUpload(context.Background(), InitiateUploadParams{
		UserID: "u1", Path: "docs", Filename: "report.pdf", MimeType: "application/pdf", Size: 100,
	})
	if !errors.Is(err, common.ErrQuotaExceeded) {
		t.Fatalf("want ErrQuotaExceeded, got %v", err)
	}

	// A rejected initiation must leave no reservation and no slot behind.
	if got := h.currentUsage(t); got != 950 {
		t.Fatalf("usage after rejection: got %d, want 950", got)
	}
	if got := h.activeSlots(t); got != 0 {
		t.Fatalf("slots after rejection: got %d, want 0", got)
	}
}

func TestInitiateUpload_DuplicatePath(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	h.seedUploaded("old", "u1", "docs", "report.pdf", 50)

	_, err := h.svc.InitiateUpload(context.Background(), InitiateUploadParams{
		UserID: "u1", Path: "docs", Filename: "report.pdf", MimeType: "application/pdf", Size: 100,
	})
	if !errors.Is(err, common.ErrPathTaken) {
		t.Fatalf("want ErrPathTaken, got %v", err)
	}
}

func TestInitiateUpload_AutoRename(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	h.seedUploaded("old", "u1", "docs", "report.pdf", 50)

	res, err := h.svc.InitiateUpload(context.Background(), InitiateUploadParams{
		UserID: "u1", Path: "docs", Filename: "report.pdf", MimeType: "application/pdf", Size: 100,
		AutoRename: true,
	})
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}
	if res.Filename != "report (1).pdf" {
		t.Fatalf("auto-renamed filename: got %q", res.Filename)
	}
	if res.ObjectKey != "docs/report (1).pdf" {
		t.Fatalf("auto-renamed key: got %q", res.ObjectKey)
	}
}

func TestInitiateUpload_OverwriteDisplacesUploaded(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	h.seedUploaded("old", "u1", "docs", "report.pdf", 50)

	res, err := h.svc.InitiateUpload(context.Background(), InitiateUploadParams{
		UserID: "u1", Path: "docs", Filename: "report.pdf", MimeType: "application/pdf", Size: 100,
		Overwrite: true,
	})
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}
	if res.Filename != "report.pdf" {
		t.Fatalf("filename: got %q", res.Filename)
	}

	if _, ok := h.repo.get("old"); ok {
		t.Fatal("displaced record must be gone")
	}
	found := false
	for _, key := range h.store.deleted {
		if key == "docs/report.pdf" {
			found = true
		}
	}
	if !found {
		t.Fatalf("displaced object not deleted: %v", h.store.deleted)
	}
}

func TestInitiateUpload_OverwriteRefusesInFlight(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	h.initiate(t, "report.pdf", 100)

	_, err := h.svc.InitiateUpload(context.Background(), InitiateUploadParams{
		UserID: "u1", Path: "docs", Filename: "report.pdf", MimeType: "application/pdf", Size: 100,
		Overwrite: true,
	})
	if !errors.Is(err, common.ErrPathTaken) {
		t.Fatalf("want ErrPathTaken for in-flight destination, got %v", err)
	}
}

func TestInitiateUpload_BackendFailureUnwinds(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	h.store.initiateErr = errors.New("s3 down")

	_, err := h.svc.InitiateUpload(context.Background(), InitiateUploadParams{
		UserID: "u1", Path: "docs", Filename: "report.pdf", MimeType: "application/pdf", Size: 100,
	})
	if err == nil {
		t.Fatal("expected error")
	}

	if n := len(h.repo.snapshot()); n != 0 {
		t.Fatalf("record not unwound, %d rows left", n)
	}
	if got := h.currentUsage(t); got != 0 {
		t.Fatalf("reservation not unwound: %d", got)
	}
	if got := h.activeSlots(t); got != 0 {
		t.Fatalf("slot not unwound: %d", got)
	}
}

// --- part URLs ---

func TestGeneratePartURL_Validation(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	res := h.initiate(t, "report.pdf", 100)

	for _, part := range []int32{0, -1, 10001} {
		_, err := h.svc.GeneratePartURL(context.Background(), res.FileID, "u1", part)
		if !errors.Is(err, common.ErrInvalidPartNumber) {
			t.Fatalf("part %d: want ErrInvalidPartNumber, got %v", part, err)
		}
	}
}

func TestGeneratePartURL_Success(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	res := h.initiate(t, "report.pdf", 100)

	url, err := h.svc.GeneratePartURL(context.Background(), res.FileID, "u1", 3)
	if err != nil {
		t.Fatalf("GeneratePartURL: %v", err)
	}
	if !strings.Contains(url, "docs/report.pdf") || !strings.Contains(url, "part=3") {
		t.Fatalf("unexpected url: %q", url)
	}
}

func TestGeneratePartURL_WrongOwner(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	res := h.initiate(t, "report.pdf", 100)

	_, err := h.svc.GeneratePartURL(context.Background(), res.FileID, "intruder", 1)
	if !errors.Is(err, common.ErrorUnauthorized) {
		t.Fatalf("want ErrorUnauthorized, got %v", err)
	}
}

func TestGeneratePartURL_StaleUpload(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	res := h.initiate(t, "report.pdf", 100)

	f, _ := h.repo.get(res.FileID)
	f.LastActivityAt = time.Now().Add(-2 * time.Hour)
	h.repo.put(f)

	_, err := h.svc.GeneratePartURL(context.Background(), res.FileID, "u1", 1)
	if !errors.Is(err, common.ErrUploadExpired) {
		t.Fatalf("want ErrUploadExpired, got %v", err)
	}
}

// --- completion ---

func TestCompleteUpload_AcceptsUnorderedParts(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	res := h.initiate(t, "report.pdf", 100)
	h.store.metaSize = 100

	file, err := h.svc.CompleteUpload(context.Background(), res.FileID, "u1", []models.UploadPart{
		{PartNumber: 3, ETag: "c"},
		{PartNumber: 1, ETag: "a"},
		{PartNumber: 2, ETag: "b"},
	})
	if err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	if file.Status != models.UploadStatusUploaded {
		t.Fatalf("status: got %s", file.Status)
	}
	if file.UploadID != "" {
		t.Fatalf("upload id must be cleared, got %q", file.UploadID)
	}

	// Reservation retired, durable usage carries the bytes now.
	if got := h.currentUsage(t); got != 100 {
		t.Fatalf("usage after completion: got %d, want 100", got)
	}
	if got := h.activeSlots(t); got != 0 {
		t.Fatalf("slots after completion: got %d, want 0", got)
	}
}

func TestCompleteUpload_RejectsDuplicatePartsBeforeBackend(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	res := h.initiate(t, "report.pdf", 100)

	_, err := h.svc.CompleteUpload(context.Background(), res.FileID, "u1", []models.UploadPart{
		{PartNumber: 1, ETag: "a"},
		{PartNumber: 1, ETag: "b"},
	})
	if !errors.Is(err, common.ErrDuplicatePartNumber) {
		t.Fatalf("want ErrDuplicatePartNumber, got %v", err)
	}
	if h.store.completeCalls != 0 {
		t.Fatalf("backend must not be called, got %d calls", h.store.completeCalls)
	}

	// Validation failures do not settle the upload; it stays active.
	f, _ := h.repo.get(res.FileID)
	if f.Status != models.UploadStatusUploading {
		t.Fatalf("status: got %s, want uploading", f.Status)
	}
}

func TestCompleteUpload_RejectsMissingETag(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	res := h.initiate(t, "report.pdf", 100)

	_, err := h.svc.CompleteUpload(context.Background(), res.FileID, "u1", []models.UploadPart{
		{PartNumber: 1, ETag: "  "},
	})
	if !errors.Is(err, common.ErrMissingPartETag) {
		t.Fatalf("want ErrMissingPartETag, got %v", err)
	}
	if h.store.completeCalls != 0 {
		t.Fatalf("backend must not be called, got %d calls", h.store.completeCalls)
	}
}

func TestCompleteUpload_PartMismatchAborts(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	res := h.initiate(t, "report.pdf", 100)

	// Backend recorded different etags than the client declared.
	h.store.listErr = nil
	h.store.listParts = []models.UploadPart{
		{PartNumber: 1, ETag: `"a"`},
		{PartNumber: 2, ETag: `"OTHER"`},
	}

	_, err := h.svc.CompleteUpload(context.Background(), res.FileID, "u1", []models.UploadPart{
		{PartNumber: 1, ETag: "a"},
		{PartNumber: 2, ETag: "b"},
	})
	if !errors.Is(err, common.ErrPartMismatch) {
		t.Fatalf("want ErrPartMismatch, got %v", err)
	}
	if h.store.completeCalls != 0 {
		t.Fatal("mismatch must be caught before backend completion")
	}

	// Compensating abort: record gone, quota and slot returned.
	if _, ok := h.repo.get(res.FileID); ok {
		t.Fatal("record must be removed by the compensating abort")
	}
	if got := h.currentUsage(t); got != 0 {
		t.Fatalf("usage after abort: got %d, want 0", got)
	}
	if got := h.activeSlots(t); got != 0 {
		t.Fatalf("slots after abort: got %d, want 0", got)
	}
}

func TestCompleteUpload_SizeMismatchFailsObject(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	res := h.initiate(t, "report.pdf", 100)
	h.store.metaSize = 42

	_, err := h.svc.CompleteUpload(context.Background(), res.FileID, "u1", []models.UploadPart{
		{PartNumber: 1, ETag: "a"},
	})
	if !errors.Is(err, common.ErrPartMismatch) {
		t.Fatalf("want ErrPartMismatch, got %v", err)
	}

	// The assembled object must not survive.
	if h.store.exists["docs/report.pdf"] {
		t.Fatal("assembled object must be deleted")
	}
	f, ok := h.repo.get(res.FileID)
	if !ok {
		t.Fatal("record must remain, marked failed")
	}
	if f.Status != models.UploadStatusFailed {
		t.Fatalf("status: got %s, want failed", f.Status)
	}
	if got := h.currentUsage(t); got != 0 {
		t.Fatalf("usage after failure: got %d, want 0", got)
	}
}

func TestCompleteUpload_SecondCompletionRefused(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	res := h.initiate(t, "report.pdf", 100)
	h.store.metaSize = 100

	parts := []models.UploadPart{{PartNumber: 1, ETag: "a"}}
	if _, err := h.svc.CompleteUpload(context.Background(), res.FileID, "u1", parts); err != nil {
		t.Fatalf("first completion: %v", err)
	}

	_, err := h.svc.CompleteUpload(context.Background(), res.FileID, "u1", parts)
	if !errors.Is(err, common.ErrUploadAlreadyDone) {
		t.Fatalf("want ErrUploadAlreadyDone, got %v", err)
	}
}

func TestCompleteUpload_PublicFileGetsACL(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	res, err := h.svc.InitiateUpload(context.Background(), InitiateUploadParams{
		UserID: "u1", Path: "docs", Filename: "report.pdf", MimeType: "application/pdf", Size: 100,
		IsPublic: true,
	})
	if err != nil {
		t.Fatalf("InitiateUpload: %v", err)
	}
	h.store.metaSize = 100

	if _, err := h.svc.CompleteUpload(context.Background(), res.FileID, "u1", []models.UploadPart{{PartNumber: 1, ETag: "a"}}); err != nil {
		t.Fatalf("CompleteUpload: %v", err)
	}
	if len(h.store.aclCalls) != 1 || !h.store.aclCalls[0] {
		t.Fatalf("expected one public acl call, got %v", h.store.aclCalls)
	}
}

// --- abort ---

func TestAbortUpload_ReleasesResources(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	res := h.initiate(t, "report.pdf", 100)

	if err := h.svc.AbortUpload(context.Background(), res.FileID, "u1", "user cancelled"); err != nil {
		t.Fatalf("AbortUpload: %v", err)
	}

	if _, ok := h.repo.get(res.FileID); ok {
		t.Fatal("record must be deleted")
	}
	if h.store.abortCalls != 1 {
		t.Fatalf("abort calls: got %d, want 1", h.store.abortCalls)
	}
	if got := h.currentUsage(t); got != 0 {
		t.Fatalf("usage after abort: got %d, want 0", got)
	}
	if got := h.activeSlots(t); got != 0 {
		t.Fatalf("slots after abort: got %d, want 0", got)
	}
}

func TestAbortUpload_IdempotentOnUnknownID(t *testing.T) {
	h := newUploadHarness(t, defaultTier())

	if err := h.svc.AbortUpload(context.Background(), "no-such-file", "u1", "retry"); err != nil {
		t.Fatalf("abort of unknown upload must succeed, got %v", err)
	}
}

func TestAbortUpload_RefusesCompletedUpload(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	h.seedUploaded("f1", "u1", "docs", "report.pdf", 100)

	err := h.svc.AbortUpload(context.Background(), "f1", "u1", "late cancel")
	if !errors.Is(err, common.ErrUploadAlreadyDone) {
		t.Fatalf("want ErrUploadAlreadyDone, got %v", err)
	}
}

func TestAbortUpload_RollsBackWhenObjectSurvives(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	h.svc.runTx = h.txWithRollback()
	res := h.initiate(t, "report.pdf", 100)

	// Backend abort fails and the object is still there: the record
	// deletion must be rolled back so nothing orphans the object.
	h.store.abortErr = errors.New("s3 abort failed")
	h.store.exists["docs/report.pdf"] = true

	err := h.svc.AbortUpload(context.Background(), res.FileID, "u1", "cancel")
	if err == nil {
		t.Fatal("expected abort error")
	}
	if _, ok := h.repo.get(res.FileID); !ok {
		t.Fatal("record deletion must have been rolled back")
	}
}

func TestAbortUpload_DeletionStandsWhenObjectGone(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	h.svc.runTx = h.txWithRollback()
	res := h.initiate(t, "report.pdf", 100)

	// Backend abort fails but nothing is left in storage; keeping the
	// record would point at a missing object, so the deletion stands.
	h.store.abortErr = errors.New("no such upload")
	delete(h.store.exists, "docs/report.pdf")

	if err := h.svc.AbortUpload(context.Background(), res.FileID, "u1", "cancel"); err != nil {
		t.Fatalf("AbortUpload: %v", err)
	}
	if _, ok := h.repo.get(res.FileID); ok {
		t.Fatal("record must stay deleted when the object is gone")
	}
}

// --- heartbeat, status, reaper ---

func TestHeartbeat(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	res := h.initiate(t, "report.pdf", 100)

	f, _ := h.repo.get(res.FileID)
	f.LastActivityAt = time.Now().Add(-30 * time.Minute)
	h.repo.put(f)

	if err := h.svc.Heartbeat(context.Background(), res.FileID, "u1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	f, _ = h.repo.get(res.FileID)
	if time.Since(f.LastActivityAt) > time.Minute {
		t.Fatalf("last activity not bumped: %v", f.LastActivityAt)
	}

	if err := h.svc.Heartbeat(context.Background(), res.FileID, "intruder"); !errors.Is(err, common.ErrorUnauthorized) {
		t.Fatalf("want ErrorUnauthorized, got %v", err)
	}
}

func TestGetUploadStatus(t *testing.T) {
	h := newUploadHarness(t, defaultTier())
	res := h.initiate(t, "report.pdf", 100)

	info, err := h.svc.GetUploadStatus(context.Background(), res.FileID, "u1")
	if err != nil {
		t.Fatalf("GetUploadStatus: %v", err)
	}
	if info.Status != models.UploadStatusUploading || info.Filename != "report.pdf" || info.Size != 100 {
		t.Fatalf("unexpected status info: %+v", info)
	}

	if _, err := h.svc.GetUploadStatus(context.Background(), res.FileID, "intruder"); !errors.Is(err, common.ErrorUnauthorized) {
		t.Fatalf("want ErrorUnauthorized, got %v", err)
	}
}

func TestCleanupExpiredUploads(t *testing.T) {
	h := newUploadHarness(t, defaultTier())

	stale1 := h.initiate(t, "a.pdf", 50)
	stale2 := h.initiate(t, "b.pdf", 50)
	fresh := h.initiate(t, "c.pdf", 50)

	for _, id := range []string{stale1.FileID, stale2.FileID} {
		f, _ := h.repo.get(id)
		f.LastActivityAt = time.Now().Add(-time.Hour)
		h.repo.put(f)
	}

	reaped, err := h.svc.CleanupExpiredUploads(context.Background(), 15*time.Minute)
	if err != nil {
		t.Fatalf("CleanupExpiredUploads: %v", err)
	}
	if reaped != 2 {
		t.Fatalf("reaped: got %d, want 2", reaped)
	}

	for _, id := range []string{stale1.FileID, stale2.FileID} {
		if _, ok := h.repo.get(id); ok {
			t.Fatalf("stale upload %s not removed", id)
		}
	}
	if _, ok := h.repo.get(fresh.FileID); !ok {
		t.Fatal("fresh upload must survive the sweep")
	}
	if got := h.activeSlots(t); got != 1 {
		t.Fatalf("slots after sweep: got %d, want 1", got)
	}
	if got := h.currentUsage(t); got != 50 {
		t.Fatalf("usage after sweep: got %d, want 50", got)
	}
}
