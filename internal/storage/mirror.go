package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	mirrorParallelism = 4
	maxMirrorBytes    = 50 << 20
)

var mirrorHTTP = &http.Client{Timeout: 2 * time.Minute}

// Mirror downloads each vendor URL and re-uploads it under prefix. The
// returned URLs keep the input order. Any failed download fails the whole
// call so a retry mirrors the set again; keys are deterministic, so a retry
// overwrites rather than duplicates.
func Mirror(ctx context.Context, blob Blob, urls []string, prefix string) ([]string, error) {
	out := make([]string, len(urls))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(mirrorParallelism)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			key, err := downloadAndPut(ctx, blob, u, prefix, i)
			if err != nil {
				return fmt.Errorf("mirror %d: %w", i, err)
			}
			out[i] = blob.URL(key)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func downloadAndPut(ctx context.Context, blob Blob, url, prefix string, index int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := mirrorHTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMirrorBytes+1))
	if err != nil {
		return "", err
	}
	if len(body) > maxMirrorBytes {
		return "", fmt.Errorf("download exceeds %d bytes", maxMirrorBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	// First token (e.g. "image/png")
	if i := strings.Index(contentType, ";"); i > 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(body)
	}
	key := fmt.Sprintf("%s/%d%s", strings.TrimSuffix(prefix, "/"), index, ExtFromContentType(contentType, url))
	if err := blob.Put(ctx, key, bytes.NewReader(body), contentType); err != nil {
		return "", err
	}
	return key, nil
}

// ExtFromContentType picks a file extension, falling back to the URL's own
// extension and then to .png.
func ExtFromContentType(contentType, fallbackURL string) string {
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/jpeg"), strings.HasPrefix(contentType, "image/jpg"):
		return ".jpg"
	case strings.HasPrefix(contentType, "image/webp"):
		return ".webp"
	case strings.HasPrefix(contentType, "image/gif"):
		return ".gif"
	case strings.HasPrefix(contentType, "application/zip"):
		return ".zip"
	}
	u := fallbackURL
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	switch ext := strings.ToLower(path.Ext(u)); ext {
	case ".png", ".jpg", ".jpeg", ".webp", ".gif":
		if ext == ".jpeg" {
			return ".jpg"
		}
		return ext
	}
	return ".png"
}
