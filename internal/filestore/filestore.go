// Package filestore holds response file contents addressed by content hash.
package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pavelanni/respexport/internal/store"
)

var ErrNotFound = errors.New("content not found")

// Backend stores and retrieves file contents by hash.
type Backend interface {
	Put(ctx context.Context, hash string, r io.Reader, size int64) error
	Open(ctx context.Context, hash string) (io.ReadCloser, error)
}

// Config selects and configures a backend.
type Config struct {
	// Backend is "sqlite" (default) or "minio".
	Backend string
	Minio   MinioConfig
}

// New returns the configured backend. The sqlite backend keeps contents in
// the given store.
func New(ctx context.Context, cfg Config, s *store.Store) (Backend, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return NewSQLBackend(s), nil
	case "minio":
		return NewMinioBackend(ctx, cfg.Minio)
	}
	return nil, fmt.Errorf("unknown file backend %q", cfg.Backend)
}

// SQLBackend keeps contents in the store's file_contents table.
type SQLBackend struct {
	store *store.Store
}

func NewSQLBackend(s *store.Store) *SQLBackend {
	return &SQLBackend{store: s}
}

func (b *SQLBackend) Put(ctx context.Context, hash string, r io.Reader, _ int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	return b.store.PutContent(ctx, hash, data)
}

func (b *SQLBackend) Open(ctx context.Context, hash string) (io.ReadCloser, error) {
	data, err := b.store.GetContent(ctx, hash)
	if errors.Is(err, store.ErrContentNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
