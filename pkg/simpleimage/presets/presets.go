// Package presets builds ready-to-use pipelines for common situations.
//
// Each preset is a bundle of config options applied before the caller's own,
// so anything a preset chooses can still be overridden.
package presets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/tendant/simple-image/pkg/simpleimage/config"
)

// devConfig holds development preset configuration
type devConfig struct {
	dataDir string
	port    string
	extra   []config.Option
}

// DevelopmentOption is a functional option for NewDevelopment
type DevelopmentOption func(*devConfig)

// WithDevDataDir sets the directory holding published objects and the badger database.
func WithDevDataDir(dir string) DevelopmentOption {
	return func(cfg *devConfig) {
		cfg.dataDir = dir
	}
}

// WithDevPort sets the port public URLs point at.
func WithDevPort(port string) DevelopmentOption {
	return func(cfg *devConfig) {
		cfg.port = port
	}
}

// WithDevConfig appends raw config options.
func WithDevConfig(opts ...config.Option) DevelopmentOption {
	return func(cfg *devConfig) {
		cfg.extra = append(cfg.extra, opts...)
	}
}

// NewDevelopment creates a pipeline for local development.
//
// Metadata lives in a badger database and objects on the local filesystem,
// both under ./dev-data, so uploads survive restarts. Public URLs point at the
// server's /objects route. The returned cleanup closes the pipeline and
// removes the data directory.
//
// Example:
//
//	comp, cleanup, err := presets.NewDevelopment()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cleanup()
func NewDevelopment(opts ...DevelopmentOption) (*config.Components, func(), error) {
	cfg := &devConfig{
		dataDir: "./dev-data",
		port:    "8080",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	configOpts := append([]config.Option{
		config.WithEnvironment("development"),
		config.WithPort(cfg.port),
		config.WithDatabase("badger://" + filepath.Join(cfg.dataDir, "db")),
		config.WithFilesystemStorage(filepath.Join(cfg.dataDir, "objects")),
		config.WithStagingDir(filepath.Join(cfg.dataDir, "staging")),
	}, cfg.extra...)

	serverConfig, err := config.Load(configOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load development config: %w", err)
	}
	comp, err := serverConfig.Build(context.Background(), nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build development pipeline: %w", err)
	}

	cleanup := func() {
		_ = comp.Close()
		os.RemoveAll(cfg.dataDir)
	}
	return comp, cleanup, nil
}

// NewTesting creates an isolated in-memory pipeline and closes it when the
// test completes. Event logging is off to keep test output quiet.
//
// Example:
//
//	func TestMyFeature(t *testing.T) {
//	    comp := presets.NewTesting(t, config.WithVariantWidths(100, 200))
//	    // Use comp.Orchestrator and comp.Service...
//	}
func NewTesting(t testing.TB, opts ...config.Option) *config.Components {
	t.Helper()

	configOpts := append([]config.Option{
		config.WithEnvironment("testing"),
		config.WithMemoryStorage(),
		config.WithStagingDir("memory"),
		config.WithEventLogging(false),
	}, opts...)

	serverConfig, err := config.Load(configOpts...)
	if err != nil {
		t.Fatalf("failed to load test config: %v", err)
	}
	comp, err := serverConfig.Build(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("failed to build test pipeline: %v", err)
	}

	t.Cleanup(func() {
		if err := comp.Close(); err != nil {
			t.Errorf("failed to close test pipeline: %v", err)
		}
	})
	return comp
}

// NewProduction builds a pipeline from the environment and refuses
// configurations that lose data on restart.
func NewProduction(ctx context.Context, opts ...config.Option) (*config.Components, *config.ServerConfig, error) {
	configOpts := append([]config.Option{
		config.WithEnv(),
		config.WithEnvironment("production"),
	}, opts...)

	serverConfig, err := config.Load(configOpts...)
	if err != nil {
		return nil, nil, err
	}
	if serverConfig.DatabaseType == "memory" {
		return nil, nil, fmt.Errorf("production preset requires a persistent DATABASE_URL (memory not allowed in production)")
	}
	if serverConfig.Storage.Type == "memory" {
		return nil, nil, fmt.Errorf("production preset requires persistent storage (s3 or file, not memory)")
	}
	if serverConfig.StagingDir == "memory" {
		return nil, nil, fmt.Errorf("production preset requires an on-disk staging directory")
	}

	comp, err := serverConfig.Build(ctx, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return comp, serverConfig, nil
}
