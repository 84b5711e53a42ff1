// Package server initializes and runs the storage subsystem: it wires the
// database, coordination store and object-storage backend into the upload
// and file services, starts the expired-upload reaper, and handles graceful
// shutdown.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tenantworks/storagecore/internal/config"
	"github.com/tenantworks/storagecore/internal/coordstore"
	"github.com/tenantworks/storagecore/internal/locking"
	"github.com/tenantworks/storagecore/internal/logging"
	"github.com/tenantworks/storagecore/internal/models"
	"github.com/tenantworks/storagecore/internal/objectstore"
	"github.com/tenantworks/storagecore/internal/quota"
	"github.com/tenantworks/storagecore/internal/repositories/repomanager"
	"github.com/tenantworks/storagecore/internal/services"
	"github.com/tenantworks/storagecore/internal/slots"
	"github.com/tenantworks/storagecore/internal/tiers"
)

// App is the composition root of the storage subsystem.
type App struct {
	config *config.Config
	logger logging.Logger
	db     *sql.DB

	Uploads *services.UploadService
	Files   *services.FileService
}

// NewApp wires every collaborator from configuration.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	repos := repomanager.NewPostgresManager()
	if err := repos.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	store := coordstore.NewRedisStore(redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}))

	objects, err := objectstore.NewS3Store(ctx, objectstore.S3Options{
		Region:       cfg.S3Region,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		BaseEndpoint: cfg.S3BaseEndpoint,
		UsePathStyle: cfg.S3UsePathStyle,
	})
	if err != nil {
		return nil, fmt.Errorf("object store init error: %w", err)
	}

	locks := locking.NewManager(store, locking.WithLogger(logger))

	tierProvider := tiers.NewStaticProvider(models.Tier{
		Name:                 "default",
		MaxStorageBytes:      cfg.TierMaxStorageBytes,
		MaxFileSizeBytes:     cfg.TierMaxFileSizeBytes,
		MaxConcurrentUploads: cfg.TierMaxConcurrentUploads,
		AllowedMimeTypes:     cfg.TierAllowedMimeTypes,
		AllowedExtensions:    cfg.TierAllowedExtensions,
	})

	usage := repos.Files(db)
	ledger := quota.NewLedger(store, locks, usage, tierProvider,
		quota.WithLogger(logger), quota.WithReservationTTL(cfg.ReservationTTL))
	governor := slots.NewGovernor(store, logger)

	uploads := services.NewUploadService(db, repos, objects, locks, ledger, governor, tierProvider,
		services.UploadConfig{
			Bucket:                     cfg.S3Bucket,
			StaleAfter:                 cfg.UploadStaleAfter,
			PartURLTTL:                 cfg.PartURLTTL,
			LockTTL:                    cfg.LockTTL,
			LockAcquireTimeout:         cfg.LockAcquireTimeout,
			SlotTTL:                    cfg.SlotTTL,
			GlobalMaxConcurrentUploads: cfg.GlobalMaxConcurrentUploads,
		}, logger)

	files := services.NewFileService(db, repos, objects, locks,
		services.FileConfig{
			Bucket:             cfg.S3Bucket,
			LockTTL:            cfg.LockTTL,
			LockAcquireTimeout: cfg.LockAcquireTimeout,
			FolderLockTimeout:  cfg.LockAcquireTimeout,
			FolderWorkers:      8,
			DownloadURLTTL:     cfg.DownloadURLTTL,
		}, logger)

	return &App{
		config:  cfg,
		logger:  logger,
		db:      db,
		Uploads: uploads,
		Files:   files,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// runReaper sweeps expired uploads until ctx is cancelled.
func (app *App) runReaper(ctx context.Context) {
	ticker := time.NewTicker(app.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := app.Uploads.CleanupExpiredUploads(ctx, app.config.UploadStaleAfter); err != nil {
				app.logger.Error(ctx, "expired upload sweep failed", "error", err)
			}
		}
	}
}

// Run starts the background reaper and blocks until shutdown.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting storage subsystem")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runReaper(ctx)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(ctx, "db close error", "error", err)
	}
	app.logger.Info(ctx, "storage subsystem stopped")
}
