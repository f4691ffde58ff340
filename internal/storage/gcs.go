package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/config"
)

// GCS uses application default credentials. Signing needs a service account
// identity, which ADC on GCE/Cloud Run provides.
type GCS struct {
	client *storage.Client
	bucket string
}

func NewGCS(ctx context.Context, cfg config.StorageConfig) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating gcs client: %w", err)
	}
	return &GCS{client: client, bucket: cfg.Bucket}, nil
}

func (g *GCS) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing gs://%s/%s: %w", g.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing gs://%s/%s: %w", g.bucket, key, err)
	}
	return nil
}

func (g *GCS) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	url, err := g.client.Bucket(g.bucket).SignedURL(key, &storage.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", fmt.Errorf("signing gs://%s/%s: %w", g.bucket, key, err)
	}
	return url, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}
