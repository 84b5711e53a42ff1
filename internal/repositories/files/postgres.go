package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tenantworks/storagecore/internal/common"
	"github.com/tenantworks/storagecore/internal/dbx"
	"github.com/tenantworks/storagecore/internal/models"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or
// *sql.Tx), so the same code serves plain and transactional call sites.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const fileColumns = `id, user_id, bucket, object_key, path, filename, mime_type, size, is_public, status, upload_id, last_activity_at, created_at, updated_at`

// scanFile reads one row into a models.File, mapping the nullable upload_id.
func scanFile(row interface{ Scan(...any) error }) (*models.File, error) {
	var f models.File
	var uploadID sql.NullString
	if err := row.Scan(&f.ID, &f.UserID, &f.Bucket, &f.ObjectKey, &f.Path, &f.Filename,
		&f.MimeType, &f.Size, &f.IsPublic, &f.Status, &uploadID,
		&f.LastActivityAt, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.UploadID = uploadID.String
	return &f, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *PostgresRepository) Create(ctx context.Context, file *models.File) error {
	query := `
		INSERT INTO files (id, user_id, bucket, object_key, path, filename, mime_type, size, is_public, status, upload_id, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
	`
	_, err := r.db.ExecContext(ctx, query,
		file.ID, file.UserID, file.Bucket, file.ObjectKey, file.Path, file.Filename,
		file.MimeType, file.Size, file.IsPublic, file.Status, nullable(file.UploadID))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id=$1`

	f, err := scanFile(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", id, common.ErrorNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select file: %w", err)
	}
	return f, nil
}

// Update persists every mutable field of the file. Exactly one row must be
// affected.
func (r *PostgresRepository) Update(ctx context.Context, file *models.File) error {
	query := `
		UPDATE files SET
			bucket=$2, object_key=$3, path=$4, filename=$5, mime_type=$6, size=$7,
			is_public=$8, status=$9, upload_id=$10, last_activity_at=$11, updated_at=now()
		WHERE id=$1
	`
	res, err := r.db.ExecContext(ctx, query,
		file.ID, file.Bucket, file.ObjectKey, file.Path, file.Filename, file.MimeType,
		file.Size, file.IsPublic, file.Status, nullable(file.UploadID), file.LastActivityAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("file %s: %w", file.ID, common.ErrorNotFound)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("file %s: %w", id, common.ErrorNotFound)
	}
	return nil
}

func (r *PostgresRepository) FindByBucketPathAndFilename(ctx context.Context, bucket, path, filename string) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE bucket=$1 AND path=$2 AND filename=$3 AND status NOT IN ('failed', 'deleted')
		LIMIT 1`

	f, err := scanFile(r.db.QueryRowContext(ctx, query, bucket, path, filename))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s/%s: %w", path, filename, common.ErrorNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select file: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) FindByBucketAndPrefix(ctx context.Context, bucket, prefix string) ([]*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE bucket=$1 AND (path=$2 OR path LIKE $3) AND status NOT IN ('failed', 'deleted')
		ORDER BY path, filename`

	rows, err := r.db.QueryContext(ctx, query, bucket, prefix, prefix+"/%")
	if err != nil {
		return nil, fmt.Errorf("failed to select files: %w", err)
	}
	defer rows.Close()

	return collectFiles(rows)
}

func (r *PostgresRepository) FindExpiredUploads(ctx context.Context, maxAge time.Duration) ([]*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files
		WHERE status IN ('pending', 'uploading') AND last_activity_at < now() - $1::interval`

	rows, err := r.db.QueryContext(ctx, query, fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to select expired uploads: %w", err)
	}
	defer rows.Close()

	return collectFiles(rows)
}

func collectFiles(rows *sql.Rows) ([]*models.File, error) {
	var result []*models.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) GetUserUsedBytes(ctx context.Context, userID string) (int64, error) {
	query := `SELECT COALESCE(SUM(size), 0) FROM files WHERE user_id=$1 AND status='uploaded'`

	var used int64
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&used); err != nil {
		return 0, fmt.Errorf("failed to sum used bytes: %w", err)
	}
	return used, nil
}

func (r *PostgresRepository) GetUserActiveUploadsCount(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM files WHERE user_id=$1 AND status IN ('pending', 'uploading')`

	var count int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active uploads: %w", err)
	}
	return count, nil
}
