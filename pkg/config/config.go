// Package config loads process configuration from the environment.
// All variables carry the HIMAWARI_ prefix, e.g. HIMAWARI_REDIS_ADDR.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Server configures the scheduler service.
type Server struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8081"`
	RedisAddr  string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`

	Composites []string `envconfig:"COMPOSITES" default:"ir_clouds,true_color,day_cloud_phase_distinction,night_microphysics,fog,airmass,ash,water_vapor,day_convection,natural_color"`

	Cadence time.Duration `envconfig:"CADENCE" default:"10m"`
	TaskTTL time.Duration `envconfig:"TASK_TTL" default:"168h"`

	LockTTL  time.Duration `envconfig:"LOCK_TTL" default:"10s"`
	LockWait time.Duration `envconfig:"LOCK_WAIT" default:"5s"`

	// Generator settings; the generator runs in-process when enabled.
	EnableGenerator bool          `envconfig:"ENABLE_GENERATOR" default:"false"`
	GeneratorTick   time.Duration `envconfig:"GENERATOR_TICK" default:"1m"`
	GeneratorLag    time.Duration `envconfig:"GENERATOR_LAG" default:"20m"`
	FileThreshold   int           `envconfig:"FILE_THRESHOLD" default:"160"`

	// Upstream archive polled for data availability.
	ArchiveEndpoint string `envconfig:"ARCHIVE_ENDPOINT" default:"s3.amazonaws.com"`
	ArchiveBucket   string `envconfig:"ARCHIVE_BUCKET" default:"noaa-himawari9"`
	ArchivePrefix   string `envconfig:"ARCHIVE_PREFIX" default:"AHI-L1b-FLDK"`

	// Product object store; the backfill endpoint is disabled when the
	// endpoint is empty.
	S3Endpoint    string        `envconfig:"S3_ENDPOINT"`
	S3AccessKey   string        `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey   string        `envconfig:"S3_SECRET_KEY"`
	S3UseSSL      bool          `envconfig:"S3_USE_SSL" default:"false"`
	ProductBucket string        `envconfig:"PRODUCT_BUCKET" default:"himawari"`
	PresignExpiry time.Duration `envconfig:"PRESIGN_EXPIRY" default:"24h"`
}

// Worker configures the worker process.
type Worker struct {
	ServerURL    string        `envconfig:"SERVER_URL" default:"http://127.0.0.1:8081"`
	WorkerID     string        `envconfig:"WORKER_ID"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	MetricsAddr  string        `envconfig:"METRICS_ADDR" default:":8080"`

	// ProcessorCmd is the external composite processor, invoked as
	// <cmd> <composite> <RFC3339 timestamp>. When empty, tasks whose
	// product does not already exist fail.
	ProcessorCmd string `envconfig:"PROCESSOR_CMD"`

	// Product object store for the skip-if-exists pre-check; disabled
	// when the endpoint is empty.
	S3Endpoint    string `envconfig:"S3_ENDPOINT"`
	S3AccessKey   string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey   string `envconfig:"S3_SECRET_KEY"`
	S3UseSSL      bool   `envconfig:"S3_USE_SSL" default:"false"`
	ProductBucket string `envconfig:"PRODUCT_BUCKET" default:"himawari"`
}

// LoadServer reads the server configuration from the environment.
func LoadServer() (*Server, error) {
	var cfg Server
	if err := envconfig.Process("himawari", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWorker reads the worker configuration from the environment.
func LoadWorker() (*Worker, error) {
	var cfg Worker
	if err := envconfig.Process("himawari", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
