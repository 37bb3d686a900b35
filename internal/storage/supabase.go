package storage

import (
	"context"
	"errors"
	"io"
	"strings"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

// Supabase stores objects in a Supabase Storage bucket through the service
// role client.
type Supabase struct {
	client *storage_go.Client
	bucket string
}

func NewSupabase(url, serviceRole, bucket string) (*Supabase, error) {
	if url == "" || serviceRole == "" {
		return nil, nil
	}
	if bucket == "" {
		return nil, errors.New("supabase storage: bucket required")
	}
	sb, err := supabase.NewClient(url, serviceRole, &supabase.ClientOptions{})
	if err != nil {
		return nil, err
	}
	return &Supabase{client: sb.Storage, bucket: bucket}, nil
}

// Put uploads with upsert so retried tasks overwrite their own objects.
// storage-go does not take a context; cancellation is checked up front.
func (s *Supabase) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	upsert := true
	_, err := s.client.UploadFile(s.bucket, strings.TrimPrefix(key, "/"), body, storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	return err
}

func (s *Supabase) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.client.RemoveFile(s.bucket, []string{strings.TrimPrefix(key, "/")})
	return err
}

func (s *Supabase) URL(key string) string {
	return s.client.GetPublicUrl(s.bucket, strings.TrimPrefix(key, "/")).SignedURL
}
