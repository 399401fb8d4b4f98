// Package storage persists signature images and rendered artifacts under
// relative paths. The paths are what document and catalog rows reference.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dyluth/folio/internal/config"
)

// ErrNotExist is returned by Read when nothing is stored at the path.
var ErrNotExist = errors.New("object does not exist")

// Storage writes and deletes byte blobs addressed by relative paths.
type Storage interface {
	Write(ctx context.Context, path string, data []byte, contentType string) error
	Read(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// CleanPath validates a relative storage path and returns it in canonical form.
func CleanPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("storage path cannot be empty")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return "", fmt.Errorf("storage path %q must be relative", p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("storage path %q escapes the base location", p)
	}
	return cleaned, nil
}

// IsNotExist reports whether err indicates a missing object.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// New builds the backend selected by the configuration.
func New(ctx context.Context, cfg *config.StorageConfig) (Storage, error) {
	switch cfg.Driver {
	case "minio":
		return NewMinio(ctx, cfg.Minio)
	case "s3":
		return NewS3(ctx, cfg.S3)
	case "disk":
		return NewDisk(cfg.Disk.Root)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}
