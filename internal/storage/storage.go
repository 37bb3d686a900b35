// Package storage keeps training bundles and generated images in object
// storage that outlives Replicate's temporary delivery URLs.
package storage

import (
	"context"
	"fmt"
	"io"

	"photoforge/backend/internal/config"
)

// Blob is an object store with public (or long-lived) read URLs.
type Blob interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// New picks the backend named by STORAGE_BACKEND. It returns nil, nil when
// the chosen backend is not configured.
func New(ctx context.Context, cfg *config.Config) (Blob, error) {
	switch cfg.StorageBackend {
	case "", "s3", "r2":
		s, err := NewS3(ctx, S3Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			Bucket:        cfg.S3Bucket,
			Key:           cfg.S3AccessKey,
			Secret:        cfg.S3SecretKey,
			UseSSL:        cfg.S3UseSSL,
			PublicBaseURL: cfg.S3PublicURL,
		})
		if err != nil || s == nil {
			return nil, err
		}
		return s, nil
	case "supabase":
		s, err := NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceRole, cfg.SupabaseStorageBucket)
		if err != nil || s == nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("storage: unknown backend %q", cfg.StorageBackend)
}
