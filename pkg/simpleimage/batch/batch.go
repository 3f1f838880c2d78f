// Package batch drives uploaded files through variant generation, publishing
// and metadata recording, isolating failures to the item that caused them.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/tendant/simple-image/pkg/simpleimage"
	"github.com/tendant/simple-image/pkg/simpleimage/objectkey"
	"github.com/tendant/simple-image/pkg/simpleimage/publisher"
	"github.com/tendant/simple-image/pkg/simpleimage/staging"
	"github.com/tendant/simple-image/pkg/simpleimage/variants"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxUploadBytes caps a single upload unless overridden.
const DefaultMaxUploadBytes = 25 << 20

// State is the position of one item in the pipeline.
type State string

const (
	StateReceived          State = "received"
	StateStaged            State = "staged"
	StateVariantsGenerated State = "variants_generated"
	StatePublished         State = "published"
	StateRecorded          State = "recorded"
	StateFailed            State = "failed"
)

// allowedTypes are the sniffed content types accepted for processing.
var allowedTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// Upload is one file submitted to a batch.
type Upload struct {
	FileName    string
	Data        []byte
	AltText     string
	Attribution *simpleimage.Attribution
	Entity      *simpleimage.EntityRef
}

// ItemResult is the outcome for the Upload at the same index.
type ItemResult struct {
	Index    int
	FileName string
	State    State
	// FailedAt is the last state the item reached before failing.
	FailedAt State
	Image    *simpleimage.Image
	Err      error
	// Staged files released when the item finished.
	Promoted  int
	CleanedUp int
}

// OK reports whether the item was recorded.
func (r ItemResult) OK() bool {
	return r.State == StateRecorded
}

// Result holds one ItemResult per upload, in input order.
type Result struct {
	Items []ItemResult
}

// Images returns the recorded images in input order.
func (r *Result) Images() []*simpleimage.Image {
	images := []*simpleimage.Image{}
	for _, it := range r.Items {
		if it.OK() {
			images = append(images, it.Image)
		}
	}
	return images
}

// Failed returns the items that did not reach StateRecorded.
func (r *Result) Failed() []ItemResult {
	var failed []ItemResult
	for _, it := range r.Items {
		if !it.OK() {
			failed = append(failed, it)
		}
	}
	return failed
}

// Observer receives per-item and per-batch timings, typically a metrics recorder.
type Observer interface {
	ObserveItem(item ItemResult, d time.Duration)
	ObserveBatch(size int, d time.Duration)
}

// Orchestrator processes batches of uploads.
type Orchestrator struct {
	service        simpleimage.Service
	generator      *variants.Generator
	staging        *staging.Store
	publisher      *publisher.Publisher
	keys           objectkey.Generator
	concurrency    int
	maxUploadBytes int64
	logger         *slog.Logger
	observer       Observer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithKeyGenerator sets the object key layout.
func WithKeyGenerator(g objectkey.Generator) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.keys = g
		}
	}
}

// WithConcurrency bounds the number of items processed at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithMaxUploadBytes rejects uploads larger than n bytes.
func WithMaxUploadBytes(n int64) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxUploadBytes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver registers a timing observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observer = obs
	}
}

// New creates an orchestrator. All four collaborators are required.
func New(service simpleimage.Service, generator *variants.Generator, store *staging.Store, pub *publisher.Publisher, opts ...Option) (*Orchestrator, error) {
	switch {
	case service == nil:
		return nil, errors.New("service is required")
	case generator == nil:
		return nil, errors.New("variant generator is required")
	case store == nil:
		return nil, errors.New("staging store is required")
	case pub == nil:
		return nil, errors.New("publisher is required")
	}

	o := &Orchestrator{
		service:        service,
		generator:      generator,
		staging:        store,
		publisher:      pub,
		keys:           objectkey.NewFlatGenerator(""),
		concurrency:    runtime.NumCPU(),
		maxUploadBytes: DefaultMaxUploadBytes,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Process runs every upload through the pipeline. Item failures are reported
// in the result. A metadata store failure aborts the batch: items not yet
// finished are cancelled and cleaned up, and the partial result is returned
// together with the error.
func (o *Orchestrator) Process(ctx context.Context, uploads []Upload) (*Result, error) {
	start := time.Now()
	res := &Result{Items: make([]ItemResult, len(uploads))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, up := range uploads {
		g.Go(func() error {
			itemStart := time.Now()
			item, err := o.processOne(gctx, i, up)
			res.Items[i] = item
			if o.observer != nil {
				o.observer.ObserveItem(item, time.Since(itemStart))
			}
			return err
		})
	}
	err := g.Wait()

	if o.observer != nil {
		o.observer.ObserveBatch(len(uploads), time.Since(start))
	}
	if err != nil {
		o.logger.Error("Batch aborted", "items", len(uploads), "error", err)
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	o.logger.Info("Batch processed", "items", len(uploads), "failed", len(res.Failed()), "duration", time.Since(start))
	return res, nil
}

// processOne returns a non-nil error only for failures that must abort the batch.
func (o *Orchestrator) processOne(ctx context.Context, index int, up Upload) (item ItemResult, abort error) {
	item = ItemResult{Index: index, FileName: up.FileName, State: StateReceived}
	fail := func(err error) (ItemResult, error) {
		item.FailedAt = item.State
		item.State = StateFailed
		item.Err = err
		o.logger.Warn("Upload failed", "file_name", up.FileName, "failed_at", item.FailedAt, "error", err)
		return item, nil
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	contentType, ext, err := o.validate(up)
	if err != nil {
		return fail(err)
	}

	scope, err := o.staging.NewScope()
	if err != nil {
		return fail(fmt.Errorf("open staging scope: %w", err))
	}
	// The scope is released before the worker slot is, whatever happened.
	defer func() {
		scope.Close()
		item.Promoted = len(scope.Promoted())
		item.CleanedUp = len(scope.CleanedUp())
	}()

	original, err := scope.Stage(up.Data, ext)
	if err != nil {
		return fail(err)
	}
	item.State = StateStaged

	out, err := o.generator.Generate(ctx, up.Data)
	if err != nil {
		return fail(err)
	}
	staged := make([]*staging.Handle, len(out.Variants))
	for i, v := range out.Variants {
		h, err := scope.Stage(v.Data, v.Extension)
		if err != nil {
			return fail(err)
		}
		staged[i] = h
	}
	item.State = StateVariantsGenerated

	id := uuid.New()
	items := make([]publisher.Item, 0, len(staged)+1)
	items = append(items, publisher.Item{
		Key:         o.keys.Key(id, objectkey.Original, ext),
		ContentType: contentType,
		Source:      original,
	})
	for i, v := range out.Variants {
		items = append(items, publisher.Item{
			Key:         o.keys.Key(id, v.Width, v.Extension),
			ContentType: v.ContentType,
			Source:      staged[i],
		})
	}

	results := o.publisher.Publish(ctx, items)
	if perr := publisher.FirstError(results); perr != nil {
		o.rollback(ctx, publisher.Succeeded(results))
		return fail(perr)
	}
	item.State = StatePublished

	img := &simpleimage.Image{
		ID:           id,
		FileName:     simpleimage.SanitizeFileName(up.FileName),
		OriginalSize: int64(len(up.Data)),
		ContentType:  contentType,
		Extension:    ext,
		Width:        out.Width,
		Height:       out.Height,
		OriginalKey:  results[0].Key,
		OriginalURL:  results[0].URL,
		Variants:     make([]simpleimage.Variant, len(out.Variants)),
		AltText:      up.AltText,
		Attribution:  up.Attribution,
		Entity:       up.Entity,
	}
	for i, v := range out.Variants {
		r := results[i+1]
		img.Variants[i] = simpleimage.Variant{
			Width:       v.Width,
			Height:      v.Height,
			Size:        int64(len(v.Data)),
			ContentType: v.ContentType,
			Key:         r.Key,
			URL:         r.URL,
		}
	}

	stored, err := o.service.StoreImage(ctx, img)
	if err != nil {
		o.rollback(ctx, img.Keys())
		item, _ = fail(err)
		if simpleimage.IsItemError(err) || ctx.Err() != nil {
			return item, nil
		}
		return item, err
	}

	if err := scope.Promote(original); err != nil {
		o.logger.Warn("Failed to promote staged file", "path", original.Path(), "error", err)
	}
	for _, h := range staged {
		if err := scope.Promote(h); err != nil {
			o.logger.Warn("Failed to promote staged file", "path", h.Path(), "error", err)
		}
	}

	item.State = StateRecorded
	item.Image = stored
	return item, nil
}

// validate checks the target entity, sniffs the content type and checks the
// size limit.
func (o *Orchestrator) validate(up Upload) (contentType, ext string, err error) {
	if up.Entity != nil {
		if err := up.Entity.Validate(); err != nil {
			return "", "", err
		}
	}
	if len(up.Data) == 0 {
		return "", "", &simpleimage.ValidationError{Field: "file", Reason: "is empty"}
	}
	if int64(len(up.Data)) > o.maxUploadBytes {
		return "", "", &simpleimage.ValidationError{
			Field:  "file",
			Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", len(up.Data), o.maxUploadBytes),
		}
	}
	mt := mimetype.Detect(up.Data)
	if !mimetype.EqualsAny(mt.String(), allowedTypes...) {
		return "", "", &simpleimage.ValidationError{
			Field:  "file",
			Reason: fmt.Sprintf("unsupported content type %s", mt.String()),
		}
	}
	return mt.String(), mt.Extension(), nil
}

// rollback removes objects published for an item that will not be recorded.
// It runs even when ctx has been cancelled.
func (o *Orchestrator) rollback(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := o.publisher.Unpublish(context.WithoutCancel(ctx), keys); err != nil {
		o.logger.Error("Rollback left published objects behind", "keys", keys, "error", err)
	}
}

// Delete removes the image record, its links and its published objects.
func (o *Orchestrator) Delete(ctx context.Context, id uuid.UUID) (*simpleimage.Image, error) {
	img, err := o.service.DeleteImage(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.publisher.Unpublish(context.WithoutCancel(ctx), img.Keys()); err != nil {
		return img, fmt.Errorf("delete objects of image %s: %w", id, err)
	}
	return img, nil
}
