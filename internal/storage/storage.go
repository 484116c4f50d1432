package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/4xmen/hamkar/pkg/errors"
)

// StoredFile is what the store hands back after a successful write.
type StoredFile struct {
	FileName string
	FileSize int64
}

// Store keeps attachment bytes out of band from message rows.
type Store interface {
	Put(ctx context.Context, r io.Reader, mimeType string) (*StoredFile, error)
	Open(fileName string) (io.ReadCloser, error)
	Remove(fileName string) error
}

// DiskStore writes attachments as flat files under root.
type DiskStore struct {
	root    string
	maxSize int64
}

func NewDiskStore(root string, maxSize int64) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &DiskStore{root: root, maxSize: maxSize}, nil
}

// Put streams r into a new file. The size cap is enforced on the bytes
// actually read, not on what the client declared.
func (s *DiskStore) Put(ctx context.Context, r io.Reader, mimeType string) (*StoredFile, error) {
	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(&ctxReader{ctx: ctx, r: r}, s.maxSize+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write attachment: %w", err)
	}
	if n > s.maxSize {
		return nil, apperrors.ErrFileTooLarge
	}

	fileName := uuid.NewString() + extensionFor(mimeType)
	if err := os.Rename(tmpPath, filepath.Join(s.root, fileName)); err != nil {
		return nil, fmt.Errorf("failed to finalize attachment: %w", err)
	}
	committed = true

	return &StoredFile{FileName: fileName, FileSize: n}, nil
}

func (s *DiskStore) Open(fileName string) (io.ReadCloser, error) {
	path, err := s.path(fileName)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.ErrAttachmentNotFound
		}
		return nil, fmt.Errorf("failed to open attachment: %w", err)
	}
	return f, nil
}

func (s *DiskStore) Remove(fileName string) error {
	path, err := s.path(fileName)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove attachment: %w", err)
	}
	return nil
}

// path rejects anything that is not a bare name produced by Put.
func (s *DiskStore) path(fileName string) (string, error) {
	if fileName == "" || fileName != filepath.Base(fileName) || strings.HasPrefix(fileName, ".") {
		return "", apperrors.ErrAttachmentNotFound
	}
	return filepath.Join(s.root, fileName), nil
}

func extensionFor(mimeType string) string {
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
