package config

import (
	"fmt"
	"time"
)

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithEnvironment sets the environment (development, production, testing)
func WithEnvironment(env string) Option {
	return func(c *ServerConfig) error {
		if env == "" {
			return fmt.Errorf("environment cannot be empty")
		}
		c.Environment = env
		return nil
	}
}

// WithDatabase configures the metadata store from a DATABASE_URL style string:
// "memory", "postgres://..." or "badger:///path/to/dir".
func WithDatabase(url string) Option {
	return func(c *ServerConfig) error {
		return applyDatabaseURL(url, c)
	}
}

// WithDatabaseSchema sets the database schema (for Postgres)
func WithDatabaseSchema(schema string) Option {
	return func(c *ServerConfig) error {
		c.DBSchema = schema
		return nil
	}
}

// WithAutoMigrate creates the Postgres schema and tables at build time.
func WithAutoMigrate(enabled bool) Option {
	return func(c *ServerConfig) error {
		c.AutoMigrate = enabled
		return nil
	}
}

// WithMemoryStorage stores published objects in memory.
func WithMemoryStorage() Option {
	return func(c *ServerConfig) error {
		c.Storage = StorageConfig{Type: "memory"}
		return nil
	}
}

// WithFilesystemStorage stores published objects under baseDir.
func WithFilesystemStorage(baseDir string) Option {
	return func(c *ServerConfig) error {
		if baseDir == "" {
			return fmt.Errorf("filesystem base directory cannot be empty")
		}
		c.Storage = StorageConfig{Type: "fs", BaseDir: baseDir}
		return nil
	}
}

// WithS3Storage stores published objects in an S3 bucket.
func WithS3Storage(s3 StorageConfig) Option {
	return func(c *ServerConfig) error {
		if s3.Bucket == "" {
			return fmt.Errorf("s3 bucket cannot be empty")
		}
		s3.Type = "s3"
		if s3.Region == "" {
			s3.Region = "us-east-1"
		}
		c.Storage = s3
		return nil
	}
}

// WithPublicBaseURL serves public URLs from a CDN base instead of the bucket host.
func WithPublicBaseURL(base string) Option {
	return func(c *ServerConfig) error {
		c.PublicBaseURL = base
		return nil
	}
}

// WithObjectKeys sets the key layout ("flat" or "sharded") and prefix.
func WithObjectKeys(layout, prefix string) Option {
	return func(c *ServerConfig) error {
		c.KeyLayout = layout
		c.KeyPrefix = prefix
		return nil
	}
}

// WithStagingDir sets the local scratch directory. "memory" keeps staged files in RAM.
func WithStagingDir(dir string) Option {
	return func(c *ServerConfig) error {
		c.StagingDir = dir
		return nil
	}
}

// WithVariantWidths replaces the width schedule.
func WithVariantWidths(widths ...int) Option {
	return func(c *ServerConfig) error {
		if len(widths) == 0 {
			return fmt.Errorf("variant widths cannot be empty")
		}
		c.VariantWidths = append([]int(nil), widths...)
		return nil
	}
}

// WithJPEGQuality sets the quality of encoded JPEG variants.
func WithJPEGQuality(q int) Option {
	return func(c *ServerConfig) error {
		c.JPEGQuality = q
		return nil
	}
}

// WithConcurrency bounds batch workers and per-item uploads. Zero keeps the default.
func WithConcurrency(batchWorkers, uploads int) Option {
	return func(c *ServerConfig) error {
		if batchWorkers > 0 {
			c.BatchConcurrency = batchWorkers
		}
		if uploads > 0 {
			c.PublishConcurrency = uploads
		}
		return nil
	}
}

// WithPublishTimeout bounds each individual upload.
func WithPublishTimeout(d time.Duration) Option {
	return func(c *ServerConfig) error {
		c.PublishTimeout = d
		return nil
	}
}

// WithMaxUploadBytes caps the size of one upload.
func WithMaxUploadBytes(n int64) Option {
	return func(c *ServerConfig) error {
		c.MaxUploadBytes = n
		return nil
	}
}

// WithRedisLock serialises entity link writes across processes through Redis.
func WithRedisLock(url string) Option {
	return func(c *ServerConfig) error {
		c.RedisURL = url
		return nil
	}
}

// WithEventLogging enables or disables the logging event sink
func WithEventLogging(enabled bool) Option {
	return func(c *ServerConfig) error {
		c.EnableEventLogging = enabled
		return nil
	}
}
