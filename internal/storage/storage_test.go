package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/config"
)

func TestNew(t *testing.T) {
	ctx := context.Background()

	b, err := New(ctx, config.StorageConfig{Provider: "none"})
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = New(ctx, config.StorageConfig{Provider: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	_, err = New(ctx, config.StorageConfig{Provider: "ftp"})
	assert.Error(t, err)
}

func TestNewS3_PresignsAgainstCustomEndpoint(t *testing.T) {
	ctx := context.Background()
	s, err := NewS3(ctx, config.StorageConfig{
		Bucket:          "attachments",
		Region:          "us-east-1",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio-secret",
	})
	require.NoError(t, err)

	u, err := s.SignedURL(ctx, "orgs/1/chats/2/file.pdf", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "http://localhost:9000/attachments/orgs/1/chats/2/file.pdf?"), u)
	assert.Contains(t, u, "X-Amz-Expires=900")
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.SignedURL(ctx, "missing", time.Minute)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	require.NoError(t, m.Put(ctx, "a/b.png", strings.NewReader("png"), "image/png"))
	data, ct, ok := m.Get("a/b.png")
	require.True(t, ok)
	assert.Equal(t, "png", string(data))
	assert.Equal(t, "image/png", ct)

	u, err := m.SignedURL(ctx, "a/b.png", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "memory://a%2Fb.png?expires="))
}
