package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/tendant/simple-image/pkg/simpleimage/batch"
	"github.com/tendant/simple-image/pkg/simpleimage/objectkey"
	"github.com/tendant/simple-image/pkg/simpleimage/publisher"
	"github.com/tendant/simple-image/pkg/simpleimage/variants"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:               "8080",
		Environment:        "development",
		LogLevel:           "info",
		DatabaseType:       "memory",
		DBSchema:           "image",
		Storage:            StorageConfig{Type: "memory"},
		KeyLayout:          "flat",
		KeyPrefix:          "images",
		VariantWidths:      append([]int(nil), variants.DefaultWidths...),
		JPEGQuality:        variants.DefaultQuality,
		PublishConcurrency: publisher.DefaultConcurrency,
		PublishTimeout:     publisher.DefaultTimeout,
		MaxUploadBytes:     batch.DefaultMaxUploadBytes,
		EnableEventLogging: true,
	}
}

// ServerConfig represents configuration for the image pipeline and its server.
type ServerConfig struct {
	Port        string
	Environment string // development, production, testing
	LogLevel    string

	// Metadata store
	DatabaseType string // "memory", "postgres", "badger"
	DatabaseURL  string
	DBSchema     string // Postgres schema (default: image)
	BadgerDir    string
	AutoMigrate  bool

	// Durable object storage
	Storage StorageConfig

	// Public addressing. PublicBaseURL switches URL building to a CDN base.
	PublicBaseURL string
	KeyLayout     string // "flat" or "sharded"
	KeyPrefix     string

	// StagingDir is the local scratch directory; "memory" keeps staged files in RAM.
	StagingDir string

	// Pipeline tuning
	VariantWidths      []int
	JPEGQuality        int
	BatchConcurrency   int // 0 means runtime.NumCPU()
	PublishConcurrency int
	PublishTimeout     time.Duration
	MaxUploadBytes     int64

	// RedisURL enables the cross-process entity lock.
	RedisURL string

	EnableEventLogging bool
}

// StorageConfig selects and configures the blob store.
type StorageConfig struct {
	Type    string // "memory", "fs", "s3"
	BaseDir string // fs

	// s3
	Bucket                 string
	Region                 string
	AccessKeyID            string
	SecretAccessKey        string
	Endpoint               string
	UsePathStyle           bool
	PublicHost             string // host used in public URLs, derived from Region when empty
	CreateBucketIfNotExist bool
	EnableSSE              bool
	SSEAlgorithm           string
	SSEKMSKeyID            string
	CacheControl           string
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	switch c.DatabaseType {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("database_url is required when using postgres")
		}
	case "badger":
		if c.BadgerDir == "" {
			return errors.New("badger directory is required when using badger")
		}
	default:
		return fmt.Errorf("database_type must be 'memory', 'postgres' or 'badger', got %q", c.DatabaseType)
	}

	switch c.Storage.Type {
	case "memory":
	case "fs":
		if c.Storage.BaseDir == "" {
			return errors.New("storage base directory is required for fs storage")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return errors.New("storage bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	if _, err := objectkey.New(c.KeyLayout, c.KeyPrefix); err != nil {
		return err
	}

	if len(c.VariantWidths) == 0 {
		return errors.New("at least one variant width is required")
	}
	for _, w := range c.VariantWidths {
		if w <= 0 {
			return fmt.Errorf("variant width must be positive, got %d", w)
		}
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality must be between 1 and 100, got %d", c.JPEGQuality)
	}
	if c.BatchConcurrency < 0 || c.PublishConcurrency < 0 {
		return errors.New("concurrency cannot be negative")
	}
	if c.PublishTimeout <= 0 {
		return errors.New("publish timeout must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("max upload bytes must be positive")
	}

	return nil
}
