// Package storage holds chat attachments in object storage and hands out
// time-limited links to them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/config"
)

var ErrObjectNotFound = errors.New("storage: object not found")

type Blob interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
	// SignedURL returns a GET link valid for ttl.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// New builds the configured provider. "none" (or empty) returns a nil Blob;
// callers treat that as attachments being disabled.
func New(ctx context.Context, cfg config.StorageConfig) (Blob, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemory(), nil
	case "s3":
		return NewS3(ctx, cfg)
	case "gcs":
		return NewGCS(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}
