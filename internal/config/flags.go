package config

import (
	"flag"
	"os"
	"time"

	"github.com/tenantworks/storagecore/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-r string   Redis address (host:port)
//	-u string   S3 access key
//	-p string   S3 secret key
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-m int      global max concurrent uploads per user
//	-x int      upload staleness threshold, minutes
//	-i int      cleanup interval, minutes
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components. Duration
// flags are accepted as integers in minutes.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-r", "-u", "-p", "-b", "-g", "-e", "-m", "-x", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.RedisAddr, "r", config.RedisAddr, "redis address")
	fs.StringVar(&config.S3AccessKey, "u", config.S3AccessKey, "S3 access key")
	fs.StringVar(&config.S3SecretKey, "p", config.S3SecretKey, "S3 secret key")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")
	fs.IntVar(&config.GlobalMaxConcurrentUploads, "m", config.GlobalMaxConcurrentUploads, "global max concurrent uploads per user")

	staleMinutes := fs.Int("x", int(config.UploadStaleAfter.Minutes()), "upload staleness threshold (in minutes)")
	cleanupMinutes := fs.Int("i", int(config.CleanupInterval.Minutes()), "cleanup interval (in minutes)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.UploadStaleAfter = time.Duration(*staleMinutes) * time.Minute
	config.CleanupInterval = time.Duration(*cleanupMinutes) * time.Minute
}
