package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"
	"github.com/tendant/simple-image/pkg/simpleimage"
)

// Backend is a filesystem implementation of the simpleimage.BlobStore interface.
// Objects live under BaseDir at their key path; content type is sniffed on read.
type Backend struct {
	fs      afero.Fs
	baseDir string
}

// Config options for the filesystem backend
type Config struct {
	BaseDir string   // Base directory for storing files
	Fs      afero.Fs // Optional filesystem, defaults to the OS filesystem
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	// Validate and create base directory if it doesn't exist
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}
	fsys := config.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	if err := fsys.MkdirAll(config.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Backend{
		fs:      fsys,
		baseDir: filepath.Clean(config.BaseDir),
	}, nil
}

func (b *Backend) pathFor(objectKey string) (string, error) {
	clean := path.Clean("/" + objectKey)
	if clean == "/" || strings.Contains(objectKey, "..") {
		return "", fmt.Errorf("invalid object key %q", objectKey)
	}
	return filepath.Join(b.baseDir, filepath.FromSlash(clean)), nil
}

// GetObjectMeta retrieves metadata for an object in the filesystem
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*simpleimage.ObjectMeta, error) {
	filePath, err := b.pathFor(objectKey)
	if err != nil {
		return nil, err
	}

	info, err := b.fs.Stat(filePath)
	if os.IsNotExist(err) {
		return nil, simpleimage.ErrObjectNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	// Detect content type
	contentType := "application/octet-stream"
	if file, err := b.fs.Open(filePath); err == nil {
		defer file.Close()
		if mt, err := mimetype.DetectReader(file); err == nil {
			contentType = mt.String()
		}
	}

	return &simpleimage.ObjectMeta{
		Key:         objectKey,
		Size:        info.Size(),
		ContentType: contentType,
		UpdatedAt:   info.ModTime(),
		Metadata:    map[string]string{"content_type": contentType},
	}, nil
}

// Upload writes content to the filesystem. The file is written to a
// temporary sibling and renamed so readers never see a partial object.
func (b *Backend) Upload(ctx context.Context, reader io.Reader, params simpleimage.UploadParams) error {
	filePath, err := b.pathFor(params.ObjectKey)
	if err != nil {
		return err
	}

	dir := filepath.Dir(filePath)
	if err := b.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := afero.TempFile(b.fs, dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	tmpName := tmp.Name()

	_, err = io.Copy(tmp, reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = b.fs.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}

	if err := b.fs.Rename(tmpName, filePath); err != nil {
		_ = b.fs.Remove(tmpName)
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// Download downloads content directly from the filesystem
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	filePath, err := b.pathFor(objectKey)
	if err != nil {
		return nil, err
	}

	file, err := b.fs.Open(filePath)
	if os.IsNotExist(err) {
		return nil, simpleimage.ErrObjectNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Delete deletes content from the filesystem
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	filePath, err := b.pathFor(objectKey)
	if err != nil {
		return err
	}

	if _, err := b.fs.Stat(filePath); os.IsNotExist(err) {
		return simpleimage.ErrObjectNotFound
	}

	if err := b.fs.Remove(filePath); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	b.cleanupEmptyDirectories(filepath.Dir(filePath))
	return nil
}

// cleanupEmptyDirectories recursively removes empty directories up to baseDir
func (b *Backend) cleanupEmptyDirectories(dir string) {
	if dir == b.baseDir || !strings.HasPrefix(dir, b.baseDir) {
		return
	}

	if empty, err := afero.IsEmpty(b.fs, dir); err == nil && empty {
		if b.fs.Remove(dir) == nil {
			b.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}
