package simpleimage

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// NoopEventSink is a no-op implementation of EventSink
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-op event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

func (n *NoopEventSink) ImageStored(ctx context.Context, image *Image) error {
	return nil
}

func (n *NoopEventSink) ImageDeleted(ctx context.Context, imageID uuid.UUID) error {
	return nil
}

func (n *NoopEventSink) LinkCreated(ctx context.Context, link *EntityLink) error {
	return nil
}

func (n *NoopEventSink) LinkUpdated(ctx context.Context, link *EntityLink) error {
	return nil
}

func (n *NoopEventSink) LinkDeleted(ctx context.Context, linkID uuid.UUID) error {
	return nil
}

// LogEventSink writes every lifecycle event to a structured logger.
type LogEventSink struct {
	logger *slog.Logger
}

// NewLogEventSink creates an event sink that logs at info level.
func NewLogEventSink(logger *slog.Logger) EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEventSink{logger: logger}
}

func (l *LogEventSink) ImageStored(ctx context.Context, image *Image) error {
	l.logger.InfoContext(ctx, "Image stored",
		"image_id", image.ID,
		"file_name", image.FileName,
		"variants", len(image.Variants),
		"processed_size", image.ProcessedSize)
	return nil
}

func (l *LogEventSink) ImageDeleted(ctx context.Context, imageID uuid.UUID) error {
	l.logger.InfoContext(ctx, "Image deleted", "image_id", imageID)
	return nil
}

func (l *LogEventSink) LinkCreated(ctx context.Context, link *EntityLink) error {
	l.logger.InfoContext(ctx, "Image linked",
		"link_id", link.ID,
		"image_id", link.ImageID,
		"entity", link.Entity.String(),
		"primary", link.IsPrimary)
	return nil
}

func (l *LogEventSink) LinkUpdated(ctx context.Context, link *EntityLink) error {
	l.logger.InfoContext(ctx, "Image link updated",
		"link_id", link.ID,
		"entity", link.Entity.String(),
		"primary", link.IsPrimary)
	return nil
}

func (l *LogEventSink) LinkDeleted(ctx context.Context, linkID uuid.UUID) error {
	l.logger.InfoContext(ctx, "Image unlinked", "link_id", linkID)
	return nil
}
