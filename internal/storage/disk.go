package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Disk stores objects as files below a public base directory.
type Disk struct {
	root string
}

// NewDisk returns a disk backend rooted at root, creating it if needed.
func NewDisk(root string) (*Disk, error) {
	if root == "" {
		return nil, fmt.Errorf("disk storage root cannot be empty")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Disk{root: root}, nil
}

func (d *Disk) resolve(p string) (string, error) {
	rel, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(rel)), nil
}

// Write stores data at p. The file is written under a temporary name and
// renamed so readers never see a partial file.
func (d *Disk) Write(_ context.Context, p string, data []byte, _ string) error {
	full, err := d.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", p, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".folio-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", p, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move %s into place: %w", p, err)
	}
	return nil
}

// Read returns the file stored at p.
func (d *Disk) Read(_ context.Context, p string) ([]byte, error) {
	full, err := d.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", p, ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// Delete removes the file at p. Removing a missing file is not an error.
func (d *Disk) Delete(_ context.Context, p string) error {
	full, err := d.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", p, err)
	}
	return nil
}
