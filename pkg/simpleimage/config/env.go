package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Env is the environment surface read by WithEnv.
type Env struct {
	Port        string `env:"PORT" env-default:"8080"`
	Environment string `env:"ENVIRONMENT" env-default:"development"`
	LogLevel    string `env:"LOG_LEVEL" env-default:"info"`

	DatabaseURL string `env:"DATABASE_URL" env-default:"memory"`
	DBSchema    string `env:"DB_SCHEMA" env-default:"image"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" env-default:"false"`

	StorageURL      string `env:"STORAGE_URL" env-default:"memory://"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	Region          string `env:"AWS_REGION"`
	S3Endpoint      string `env:"S3_ENDPOINT"`
	S3PathStyle     bool   `env:"S3_USE_PATH_STYLE" env-default:"false"`
	S3PublicHost    string `env:"S3_PUBLIC_HOST"`
	S3CreateBucket  bool   `env:"S3_CREATE_BUCKET_IF_NOT_EXIST" env-default:"false"`
	S3EnableSSE     bool   `env:"S3_ENABLE_SSE" env-default:"false"`
	S3SSEAlgorithm  string `env:"S3_SSE_ALGORITHM" env-default:"AES256"`
	S3SSEKMSKeyID   string `env:"S3_SSE_KMS_KEY_ID"`

	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
	KeyLayout     string `env:"OBJECT_KEY_LAYOUT" env-default:"flat"`
	KeyPrefix     string `env:"OBJECT_KEY_PREFIX" env-default:"images"`
	StagingDir    string `env:"STAGING_DIR"`

	VariantWidths      string        `env:"VARIANT_WIDTHS"`
	JPEGQuality        int           `env:"JPEG_QUALITY" env-default:"82"`
	BatchConcurrency   int           `env:"BATCH_CONCURRENCY" env-default:"0"`
	PublishConcurrency int           `env:"PUBLISH_CONCURRENCY" env-default:"4"`
	PublishTimeout     time.Duration `env:"PUBLISH_TIMEOUT" env-default:"30s"`
	MaxUploadBytes     int64         `env:"MAX_UPLOAD_BYTES" env-default:"26214400"`

	RedisURL           string `env:"REDIS_URL"`
	EnableEventLogging bool   `env:"ENABLE_EVENT_LOGGING" env-default:"true"`
}

// WithEnv reads the process environment into Env and applies it.
//
// DATABASE_URL is one of:
//   - "memory" (default)
//   - "postgres://..." or "postgresql://..."
//   - "badger:///path/to/dir"
//
// STORAGE_URL is one of:
//   - "memory://" (default)
//   - "file:///path/to/data"
//   - "s3://bucket?region=us-east-1&endpoint=http://localhost:9000&path_style=true"
func WithEnv() Option {
	return func(c *ServerConfig) error {
		var env Env
		if err := cleanenv.ReadEnv(&env); err != nil {
			return fmt.Errorf("read environment: %w", err)
		}
		return env.apply(c)
	}
}

func (e Env) apply(c *ServerConfig) error {
	c.Port = e.Port
	c.Environment = e.Environment
	c.LogLevel = e.LogLevel
	c.DBSchema = e.DBSchema
	c.AutoMigrate = e.AutoMigrate

	if err := applyDatabaseURL(e.DatabaseURL, c); err != nil {
		return err
	}
	if err := e.applyStorageURL(c); err != nil {
		return err
	}

	c.PublicBaseURL = e.PublicBaseURL
	c.KeyLayout = e.KeyLayout
	c.KeyPrefix = e.KeyPrefix
	c.StagingDir = e.StagingDir

	if e.VariantWidths != "" {
		widths, err := parseWidths(e.VariantWidths)
		if err != nil {
			return err
		}
		c.VariantWidths = widths
	}
	c.JPEGQuality = e.JPEGQuality
	c.BatchConcurrency = e.BatchConcurrency
	c.PublishConcurrency = e.PublishConcurrency
	c.PublishTimeout = e.PublishTimeout
	c.MaxUploadBytes = e.MaxUploadBytes

	c.RedisURL = e.RedisURL
	c.EnableEventLogging = e.EnableEventLogging
	return nil
}

// applyDatabaseURL auto-detects the metadata store from its URL.
func applyDatabaseURL(dbURL string, c *ServerConfig) error {
	switch {
	case dbURL == "" || dbURL == "memory":
		c.DatabaseType = "memory"
		c.DatabaseURL = ""
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		c.DatabaseType = "postgres"
		c.DatabaseURL = dbURL
	case strings.HasPrefix(dbURL, "badger://"):
		dir := strings.TrimPrefix(dbURL, "badger://")
		if dir == "" {
			return fmt.Errorf("badger directory cannot be empty in DATABASE_URL")
		}
		c.DatabaseType = "badger"
		c.DatabaseURL = dbURL
		c.BadgerDir = dir
	default:
		return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory', 'postgres://...' or 'badger:///path')", dbURL)
	}
	return nil
}

func (e Env) applyStorageURL(c *ServerConfig) error {
	raw := e.StorageURL
	if raw == "" || raw == "memory" || raw == "memory://" {
		c.Storage = StorageConfig{Type: "memory"}
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid STORAGE_URL: %w", err)
	}
	switch u.Scheme {
	case "file":
		// file://relative/dir parses the first segment as a host.
		dir := u.Host + u.Path
		if dir == "" {
			return fmt.Errorf("filesystem path cannot be empty in STORAGE_URL")
		}
		c.Storage = StorageConfig{Type: "fs", BaseDir: dir}
		return nil

	case "s3":
		if u.Host == "" {
			return fmt.Errorf("S3 bucket name cannot be empty in STORAGE_URL")
		}
		q := u.Query()
		s3 := StorageConfig{
			Type:                   "s3",
			Bucket:                 u.Host,
			Region:                 firstNonEmpty(q.Get("region"), e.Region, "us-east-1"),
			AccessKeyID:            e.AccessKeyID,
			SecretAccessKey:        e.SecretAccessKey,
			Endpoint:               firstNonEmpty(q.Get("endpoint"), e.S3Endpoint),
			UsePathStyle:           e.S3PathStyle,
			PublicHost:             e.S3PublicHost,
			CreateBucketIfNotExist: e.S3CreateBucket,
			EnableSSE:              e.S3EnableSSE,
			SSEAlgorithm:           e.S3SSEAlgorithm,
			SSEKMSKeyID:            e.S3SSEKMSKeyID,
		}
		if v := q.Get("path_style"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid path_style in STORAGE_URL: %w", err)
			}
			s3.UsePathStyle = b
		}
		c.Storage = s3
		return nil
	}

	return fmt.Errorf("unsupported STORAGE_URL format: %s (use 'memory://', 'file://...', or 's3://...')", raw)
}

func parseWidths(raw string) ([]int, error) {
	var widths []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		w, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid width %q in VARIANT_WIDTHS: %w", part, err)
		}
		widths = append(widths, w)
	}
	return widths, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
