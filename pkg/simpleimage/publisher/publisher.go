// Package publisher uploads image artifacts to durable object storage and
// resolves their public URLs.
package publisher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tendant/simple-image/pkg/simpleimage"
	"github.com/tendant/simple-image/pkg/simpleimage/urlstrategy"
	"golang.org/x/sync/errgroup"
)

// Defaults applied by New.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultConcurrency = 4
)

// Source opens the bytes of one artifact. It may be called more than once.
type Source interface {
	Open() (io.ReadCloser, error)
}

// Bytes adapts an in-memory buffer to a Source.
type Bytes []byte

func (b Bytes) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Item is one artifact to publish.
type Item struct {
	Key         string
	ContentType string
	Source      Source
}

// Result reports the outcome for the Item at the same index.
// Err is nil on success.
type Result struct {
	Key string
	URL string
	Err *simpleimage.PublishError
}

// Observer receives per-upload timings, typically a metrics recorder.
type Observer interface {
	ObservePublish(outcome string, d time.Duration)
}

// Publisher uploads artifacts with bounded parallelism.
type Publisher struct {
	store        simpleimage.BlobStore
	urls         urlstrategy.URLStrategy
	timeout      time.Duration
	concurrency  int
	cacheControl string
	logger       *slog.Logger
	observer     Observer
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithTimeout bounds each individual upload.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithConcurrency bounds the number of uploads in flight per Publish call.
func WithConcurrency(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithCacheControl sets the Cache-Control sent with every upload.
func WithCacheControl(v string) Option {
	return func(p *Publisher) {
		p.cacheControl = v
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithObserver registers an upload timing observer.
func WithObserver(o Observer) Option {
	return func(p *Publisher) {
		p.observer = o
	}
}

// New creates a publisher writing to store and addressing objects with urls.
func New(store simpleimage.BlobStore, urls urlstrategy.URLStrategy, opts ...Option) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if urls == nil {
		return nil, fmt.Errorf("url strategy is required")
	}
	p := &Publisher{
		store:       store,
		urls:        urls,
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Store returns the underlying blob store.
func (p *Publisher) Store() simpleimage.BlobStore {
	return p.store
}

// Publish uploads every item and returns one result per item in input order.
// A failed item never stops its siblings.
func (p *Publisher) Publish(ctx context.Context, items []Item) []Result {
	results := make([]Result, len(items))
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for i, item := range items {
		g.Go(func() error {
			results[i] = p.publishOne(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Publisher) publishOne(ctx context.Context, item Item) Result {
	res := Result{Key: item.Key}
	fail := func(err error) Result {
		res.Err = &simpleimage.PublishError{Key: item.Key, Err: err}
		return res
	}

	if item.Key == "" {
		return fail(errors.New("object key is required"))
	}
	if item.Source == nil {
		return fail(errors.New("source is required"))
	}
	url, err := p.urls.PublicURL(item.Key)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rc, err := item.Source.Open()
	if err != nil {
		return fail(fmt.Errorf("open source: %w", err))
	}
	defer rc.Close()

	start := time.Now()
	err = p.store.Upload(ctx, rc, simpleimage.UploadParams{
		ObjectKey:    item.Key,
		MimeType:     item.ContentType,
		CacheControl: p.cacheControl,
	})
	p.observe(err, time.Since(start))
	if err != nil {
		p.logger.Warn("Publish failed", "key", item.Key, "error", err)
		return fail(err)
	}

	res.URL = url
	return res
}

func (p *Publisher) observe(err error, d time.Duration) {
	if p.observer == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.observer.ObservePublish(outcome, d)
}

// Unpublish deletes the given keys. Missing objects are not an error.
// It returns the joined errors of every failed deletion.
func (p *Publisher) Unpublish(ctx context.Context, keys []string) error {
	errs := make([]error, len(keys))
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()
			err := p.store.Delete(dctx, key)
			if err != nil && !errors.Is(err, simpleimage.ErrObjectNotFound) {
				p.logger.Warn("Unpublish failed", "key", key, "error", err)
				errs[i] = fmt.Errorf("delete %s: %w", key, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Succeeded returns the keys of successful results.
func Succeeded(results []Result) []string {
	var keys []string
	for _, r := range results {
		if r.Err == nil {
			keys = append(keys, r.Key)
		}
	}
	return keys
}

// FirstError returns the first failed result's error, or nil.
func FirstError(results []Result) *simpleimage.PublishError {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}
