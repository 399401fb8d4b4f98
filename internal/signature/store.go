// Package signature validates and stores raster signature images. At most one
// signature is current per document section; capturing again supersedes it.
package signature

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/dyluth/folio/internal/logger"
	"github.com/dyluth/folio/internal/storage"
	"github.com/dyluth/folio/pkg/folio"
	"github.com/google/uuid"
)

// DefaultMaxBytes is the size ceiling used when none is configured.
const DefaultMaxBytes = 2 << 20

var extensions = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpg",
	"image/gif":  "gif",
}

// Repository is the part of the document repository the store needs.
type Repository interface {
	Signatures(ctx context.Context, documentID string) (map[string]folio.Signature, error)
	Lock(ctx context.Context, documentID string, fn folio.LockFunc) (*folio.Document, error)
}

// Options configures validation limits.
type Options struct {
	MaxBytes     int64
	AllowedTypes []string
}

// Store captures signature images into storage.
type Store struct {
	storage  storage.Storage
	repo     Repository
	maxBytes int64
	allowed  map[string]bool

	// Now is the clock used for file names and capture times.
	Now func() time.Time
}

// NewStore creates a signature store. Zero options fall back to a 2 MiB
// ceiling and PNG/JPEG.
func NewStore(s storage.Storage, repo Repository, opts Options) *Store {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if len(opts.AllowedTypes) == 0 {
		opts.AllowedTypes = []string{"image/png", "image/jpeg"}
	}
	allowed := make(map[string]bool, len(opts.AllowedTypes))
	for _, t := range opts.AllowedTypes {
		allowed[strings.ToLower(t)] = true
	}
	return &Store{
		storage:  s,
		repo:     repo,
		maxBytes: opts.MaxBytes,
		allowed:  allowed,
		Now:      time.Now,
	}
}

// Validate checks an image against the allow-list, the size ceiling and its
// sniffed content type. It returns the canonical MIME type.
func (s *Store) Validate(image []byte, mimeType string) (string, error) {
	declared := canonicalType(mimeType)
	if _, known := extensions[declared]; !known || !s.allowed[declared] {
		return "", &FormatError{Declared: mimeType}
	}
	if int64(len(image)) > s.maxBytes {
		return "", &SizeError{Size: int64(len(image)), Limit: s.maxBytes}
	}
	if len(image) == 0 {
		return "", &FormatError{Declared: mimeType, Detected: "empty"}
	}
	if detected := canonicalType(http.DetectContentType(image)); detected != declared {
		return "", &FormatError{Declared: mimeType, Detected: detected}
	}
	return declared, nil
}

// Capture validates an image and writes it to storage, returning its relative
// path. Nothing references the file yet; the caller records the path in the
// signature row inside its transaction, and must Discard the file if that
// transaction fails.
func (s *Store) Capture(ctx context.Context, documentID, sectionKey string, role folio.Role, image []byte, mimeType string) (string, error) {
	if err := role.Validate(); err != nil {
		return "", err
	}
	declared, err := s.Validate(image, mimeType)
	if err != nil {
		return "", err
	}

	p := fmt.Sprintf("signatures/%s/%s-%d.%s", documentID, sectionKey, s.Now().UnixNano(), extensions[declared])
	if err := s.storage.Write(ctx, p, image, declared); err != nil {
		return "", &folio.PersistenceError{Op: "write signature", Err: err}
	}
	return p, nil
}

// Row builds the catalog row for a captured file.
func (s *Store) Row(documentID, sectionKey string, actor folio.Actor, path string) folio.Signature {
	return folio.Signature{
		ID:           uuid.New().String(),
		DocumentID:   documentID,
		SectionKey:   sectionKey,
		Role:         actor.Role,
		Path:         path,
		CapturedAtMs: s.Now().UnixMilli(),
		CapturedBy:   actor.ID,
	}
}

// CurrentPath returns the stored path of the current signature of a section.
func (s *Store) CurrentPath(ctx context.Context, documentID, sectionKey string) (string, bool, error) {
	sigs, err := s.repo.Signatures(ctx, documentID)
	if err != nil {
		return "", false, err
	}
	sig, ok := sigs[sectionKey]
	if !ok {
		return "", false, nil
	}
	return sig.Path, true, nil
}

// Supersede deletes the file of a replaced signature once the replacing row
// has committed. Failures are logged; the row no longer references the file.
func (s *Store) Supersede(ctx context.Context, oldPath string) {
	if oldPath == "" {
		return
	}
	if err := s.storage.Delete(ctx, oldPath); err != nil {
		logger.Warn(ctx, "failed to delete superseded signature", "path", oldPath, "error", err)
	}
}

// Discard deletes a file written for a transaction that did not commit.
// Failures are logged with the path so the orphan can be found.
func (s *Store) Discard(ctx context.Context, path string) {
	if err := s.storage.Delete(ctx, path); err != nil {
		logger.Error(ctx, "orphaned signature file", "path", path, "error", err)
	}
}

// Remove explicitly deletes the current signature of a section. check runs
// under the row lock and may veto the removal. The file is deleted after the
// row is gone.
func (s *Store) Remove(ctx context.Context, actor folio.Actor, documentID, sectionKey string, check func(*folio.Document) error) (*folio.Document, error) {
	var removed string
	doc, err := s.repo.Lock(ctx, documentID, func(doc *folio.Document, sigs map[string]folio.Signature) (*folio.Mutation, error) {
		if check != nil {
			if err := check(doc); err != nil {
				return nil, err
			}
		}
		sig, ok := sigs[sectionKey]
		if !ok {
			return nil, fmt.Errorf("%s: %w", sectionKey, ErrNoSignature)
		}
		removed = sig.Path

		next := doc.Clone()
		next.Version++
		next.UpdatedBy = actor.ID
		next.UpdatedAtMs = s.Now().UnixMilli()
		return &folio.Mutation{Document: next, Removed: []string{sectionKey}}, nil
	})
	if err != nil {
		return nil, err
	}
	s.Supersede(ctx, removed)
	return doc, nil
}

// DecodePayload decodes a base64 signature payload as sent over JSON. A
// data URL prefix is accepted and its media type returned.
func DecodePayload(data string) ([]byte, string, error) {
	data = strings.TrimSpace(data)
	var mimeType string
	if strings.HasPrefix(data, "data:") {
		comma := strings.IndexByte(data, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("malformed data URL")
		}
		header := data[len("data:"):comma]
		if !strings.HasSuffix(header, ";base64") {
			return nil, "", fmt.Errorf("data URL must be base64 encoded")
		}
		mimeType = strings.TrimSuffix(header, ";base64")
		data = data[comma+1:]
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(data); err == nil {
			return decoded, mimeType, nil
		}
	}
	return nil, "", fmt.Errorf("signature payload is not valid base64")
}

func canonicalType(t string) string {
	mediaType, _, err := mime.ParseMediaType(t)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(t))
	}
	return mediaType
}
