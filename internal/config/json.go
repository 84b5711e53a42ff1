package config

import (
	"encoding/json"
	"os"

	"github.com/tenantworks/storagecore/internal/flagx"
	"github.com/tenantworks/storagecore/internal/timex"
)

// JsonConfig is the intermediate DTO used only for reading JSON configuration
// files. Duration fields use timex.Duration, which accepts both strings such
// as "15m" and integer nanoseconds. After unmarshalling, non-zero fields are
// copied into the runtime Config.
type JsonConfig struct {
	DatabaseDSN *string `json:"database_dsn"`

	RedisAddr     *string `json:"redis_addr"`
	RedisPassword *string `json:"redis_password"`
	RedisDB       *int    `json:"redis_db"`

	S3AccessKey    *string `json:"s3_access_key"`
	S3SecretKey    *string `json:"s3_secret_key"`
	S3Bucket       *string `json:"s3_bucket"`
	S3Region       *string `json:"s3_region"`
	S3BaseEndpoint *string `json:"s3_base_endpoint"`
	S3UsePathStyle *bool   `json:"s3_use_path_style"`

	GlobalMaxConcurrentUploads *int            `json:"global_max_concurrent_uploads"`
	UploadStaleAfter           *timex.Duration `json:"upload_stale_after"`
	PartURLTTL                 *timex.Duration `json:"part_url_ttl"`
	DownloadURLTTL             *timex.Duration `json:"download_url_ttl"`
	LockTTL                    *timex.Duration `json:"lock_ttl"`
	LockAcquireTimeout         *timex.Duration `json:"lock_acquire_timeout"`
	SlotTTL                    *timex.Duration `json:"slot_ttl"`
	ReservationTTL             *timex.Duration `json:"reservation_ttl"`
	CleanupInterval            *timex.Duration `json:"cleanup_interval"`

	TierMaxStorageBytes      *int64   `json:"tier_max_storage_bytes"`
	TierMaxFileSizeBytes     *int64   `json:"tier_max_file_size_bytes"`
	TierMaxConcurrentUploads *int     `json:"tier_max_concurrent_uploads"`
	TierAllowedMimeTypes     []string `json:"tier_allowed_mime_types"`
	TierAllowedExtensions    []string `json:"tier_allowed_extensions"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c/-config command-line
// flags; when unset, no JSON file is loaded. Invalid files panic, matching
// the fail-fast startup policy.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}

	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.RedisPassword, c.RedisPassword)
	if c.RedisDB != nil {
		config.RedisDB = *c.RedisDB
	}
	setString(&config.S3AccessKey, c.S3AccessKey)
	setString(&config.S3SecretKey, c.S3SecretKey)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	if c.S3UsePathStyle != nil {
		config.S3UsePathStyle = *c.S3UsePathStyle
	}
	if c.GlobalMaxConcurrentUploads != nil {
		config.GlobalMaxConcurrentUploads = *c.GlobalMaxConcurrentUploads
	}
	if c.UploadStaleAfter != nil {
		config.UploadStaleAfter = c.UploadStaleAfter.Duration
	}
	if c.PartURLTTL != nil {
		config.PartURLTTL = c.PartURLTTL.Duration
	}
	if c.DownloadURLTTL != nil {
		config.DownloadURLTTL = c.DownloadURLTTL.Duration
	}
	if c.LockTTL != nil {
		config.LockTTL = c.LockTTL.Duration
	}
	if c.LockAcquireTimeout != nil {
		config.LockAcquireTimeout = c.LockAcquireTimeout.Duration
	}
	if c.SlotTTL != nil {
		config.SlotTTL = c.SlotTTL.Duration
	}
	if c.ReservationTTL != nil {
		config.ReservationTTL = c.ReservationTTL.Duration
	}
	if c.CleanupInterval != nil {
		config.CleanupInterval = c.CleanupInterval.Duration
	}
	if c.TierMaxStorageBytes != nil {
		config.TierMaxStorageBytes = *c.TierMaxStorageBytes
	}
	if c.TierMaxFileSizeBytes != nil {
		config.TierMaxFileSizeBytes = *c.TierMaxFileSizeBytes
	}
	if c.TierMaxConcurrentUploads != nil {
		config.TierMaxConcurrentUploads = *c.TierMaxConcurrentUploads
	}
	if c.TierAllowedMimeTypes != nil {
		config.TierAllowedMimeTypes = c.TierAllowedMimeTypes
	}
	if c.TierAllowedExtensions != nil {
		config.TierAllowedExtensions = c.TierAllowedExtensions
	}
}
