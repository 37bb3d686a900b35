// Package archive turns uploaded reference photos into the zip bundle the
// Replicate trainer consumes.
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"
)

const (
	MaxFileSize  = 10 << 20
	MaxTotalSize = 200 << 20
)

var (
	ErrNoImages        = errors.New("no images")
	ErrUnsupportedType = errors.New("unsupported image type")
	ErrTooLarge        = errors.New("image too large")
	ErrInvalidDataURL  = errors.New("invalid data url")
)

var extByMime = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// DecodeDataURL accepts "data:<mime>;base64,<payload>" or bare base64 and
// returns the bytes with their sniffed content type.
func DecodeDataURL(s string) ([]byte, string, error) {
	s = strings.TrimSpace(s)
	payload := s
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 || !strings.HasSuffix(s[:comma], ";base64") {
			return nil, "", ErrInvalidDataURL
		}
		payload = s[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
		}
	}
	return data, http.DetectContentType(data), nil
}

// Builder collects images and writes them into a zip archive. Not safe for
// concurrent use.
type Builder struct {
	files []entry
	names map[string]int
	used  map[string]bool
	total int
}

type entry struct {
	name string
	data []byte
}

func NewBuilder() *Builder {
	return &Builder{names: map[string]int{}, used: map[string]bool{}}
}

// Add sniffs data, rejects non-images and stores it under a sanitised,
// de-duplicated name.
func (b *Builder) Add(name string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%s: %w", name, ErrUnsupportedType)
	}
	if len(data) > MaxFileSize {
		return fmt.Errorf("%s: %w", name, ErrTooLarge)
	}
	if b.total+len(data) > MaxTotalSize {
		return fmt.Errorf("bundle: %w", ErrTooLarge)
	}
	mime := http.DetectContentType(data)
	ext, ok := extByMime[mime]
	if !ok {
		return fmt.Errorf("%s (%s): %w", name, mime, ErrUnsupportedType)
	}
	b.files = append(b.files, entry{name: b.uniqueName(name, ext), data: data})
	b.total += len(data)
	return nil
}

func (b *Builder) Len() int { return len(b.files) }

func (b *Builder) Size() int { return b.total }

// Bytes returns the zip archive.
func (b *Builder) Bytes() ([]byte, error) {
	if len(b.files) == 0 {
		return nil, ErrNoImages
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range b.files {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     f.name,
			Method:   zip.Store,
			Modified: time.Unix(0, 0).UTC(),
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *Builder) uniqueName(name, ext string) string {
	base := sanitize(strings.TrimSuffix(path.Base(strings.ReplaceAll(name, "\\", "/")), path.Ext(name)))
	if base == "" || base == "." {
		base = "image"
	}
	// Uploads can collide with generated names ("a_1.jpg").
	name = base + ext
	n := b.names[base]
	for b.used[name] {
		n++
		name = fmt.Sprintf("%s_%d%s", base, n, ext)
	}
	b.names[base] = n
	b.used[name] = true
	return name
}

func sanitize(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		case r == ' ' || r == '.':
			sb.WriteRune('_')
		}
	}
	return strings.Trim(sb.String(), "_")
}
