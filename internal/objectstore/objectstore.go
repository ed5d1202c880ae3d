// Package objectstore persists uploaded attachment bytes and returns the URL
// they are publicly served from.
package objectstore

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatstream/internal/config"
)

// Object is a stored blob. Key may differ from the requested key when the
// store had to avoid a collision.
type Object struct {
	Key string
	URL string
}

// Store keeps blobs and serves them from a durable public URL.
type Store interface {
	Upload(ctx context.Context, key, contentType string, body []byte) (Object, error)
	// Delete removes key. A missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// New returns an S3 store when a bucket is configured, otherwise a store on
// local disk served under /uploads.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.ObjectStorage.Bucket != "" {
		return NewS3(ctx, cfg.ObjectStorage)
	}
	return NewLocal(cfg.BasicConfig.UploadDir, LocalURLPrefix)
}

// ImageKey builds images/<user>/<yyyy>/<mm>/<dd>/<uuid><ext>.
func ImageKey(userID int64, now time.Time, ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	now = now.UTC()
	return path.Join(
		"images",
		fmt.Sprintf("%d", userID),
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		fmt.Sprintf("%02d", now.Day()),
		uuid.NewString()+ext,
	)
}
