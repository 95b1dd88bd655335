// Package storage holds the attachment upload adapter. Files land on the
// local filesystem and are referenced by opaque URLs; swapping in an
// object store only requires another ports.AttachmentStore implementation.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/crestline/tickethub-backend/internal/core/domain"
	"github.com/crestline/tickethub-backend/internal/core/ports"
)

// LocalStore writes uploaded attachments under a base directory and
// serves them back by URL. It implements ports.AttachmentStore.
type LocalStore struct {
	baseDir string
	baseURL string
	logger  *slog.Logger
}

// NewLocalStore creates the directory if needed and returns the store.
func NewLocalStore(baseDir, baseURL string, logger *slog.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment directory: %w", err)
	}
	return &LocalStore{
		baseDir: baseDir,
		baseURL: baseURL,
		logger:  logger.With("component", "attachment_store"),
	}, nil
}

var _ ports.AttachmentStore = (*LocalStore)(nil)

// Store persists one uploaded file under a random name and returns the
// reference the core embeds in tickets and comments. The original
// filename is kept only as display metadata, never as a path.
func (s *LocalStore) Store(ctx context.Context, params ports.StoreAttachmentParams) (domain.Attachment, error) {
	name := uuid.NewString() + filepath.Ext(params.Filename)
	path := filepath.Join(s.baseDir, name)

	f, err := os.Create(path)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("create attachment file: %w", err)
	}

	written, err := io.Copy(f, params.Content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return domain.Attachment{}, fmt.Errorf("write attachment file: %w", err)
	}

	s.logger.Info("attachment stored",
		"filename", params.Filename,
		"stored_as", name,
		"size", written,
	)

	return domain.Attachment{
		URL:      s.baseURL + "/" + name,
		Filename: params.Filename,
		FileType: params.ContentType,
		Size:     written,
	}, nil
}
