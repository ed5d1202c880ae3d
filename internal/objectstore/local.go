package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalURLPrefix is where the HTTP server mounts the local upload directory.
const LocalURLPrefix = "/uploads"

// LocalStore writes objects beneath a directory on disk.
type LocalStore struct {
	dir       string
	urlPrefix string
}

// NewLocal creates dir if needed.
func NewLocal(dir, urlPrefix string) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("upload dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStore{dir: dir, urlPrefix: strings.TrimRight(urlPrefix, "/")}, nil
}

// Dir returns the directory objects are written to.
func (s *LocalStore) Dir() string {
	return s.dir
}

// Upload writes body to disk. An existing object under the same key gets a
// numbered sibling instead of being overwritten.
func (s *LocalStore) Upload(ctx context.Context, key, contentType string, body []byte) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	clean := cleanKey(key)
	if clean == "" {
		return Object{}, fmt.Errorf("empty object key")
	}
	destPath, finalKey := s.uniquePath(clean)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return Object{}, fmt.Errorf("create object dir: %w", err)
	}
	if err := os.WriteFile(destPath, body, 0o644); err != nil {
		return Object{}, fmt.Errorf("write object %s: %w", finalKey, err)
	}
	return Object{Key: finalKey, URL: s.urlPrefix + "/" + finalKey}, nil
}

// Delete removes the file stored under key.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clean := cleanKey(key)
	if clean == "" {
		return fmt.Errorf("empty object key")
	}
	err := os.Remove(filepath.Join(s.dir, filepath.FromSlash(clean)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete object %s: %w", clean, err)
	}
	return nil
}

func cleanKey(key string) string {
	return path.Clean("/" + key)[1:]
}

func (s *LocalStore) uniquePath(key string) (string, string) {
	destPath := filepath.Join(s.dir, filepath.FromSlash(key))
	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		return destPath, key
	}
	ext := path.Ext(key)
	base := strings.TrimSuffix(key, ext)
	for idx := 1; idx <= 1000; idx++ {
		candidate := fmt.Sprintf("%s-%d%s", base, idx, ext)
		p := filepath.Join(s.dir, filepath.FromSlash(candidate))
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return p, candidate
		}
	}
	return destPath, key
}
