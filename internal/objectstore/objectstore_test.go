package objectstore

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/config"
)

func TestImageKeyLayout(t *testing.T) {
	now := time.Date(2024, time.March, 7, 23, 0, 0, 0, time.UTC)
	key := ImageKey(42, now, ".PNG")
	pattern := regexp.MustCompile(`^images/42/2024/03/07/[0-9a-f-]{36}\.png$`)
	assert.Regexp(t, pattern, key)
	assert.NotEqual(t, key, ImageKey(42, now, ".png"))
}

func TestLocalUploadWritesFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir, LocalURLPrefix)
	require.NoError(t, err)

	obj, err := store.Upload(context.Background(), "images/1/a.png", "image/png", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "/uploads/images/1/a.png", obj.URL)
	assert.Equal(t, "images/1/a.png", obj.Key)

	data, err := os.ReadFile(filepath.Join(dir, "images", "1", "a.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	second, err := store.Upload(context.Background(), "images/1/a.png", "image/png", []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, "/uploads/images/1/a-1.png", second.URL)
	assert.Equal(t, "images/1/a-1.png", second.Key)
}

func TestLocalDeleteRemovesOnlyThatObject(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir, LocalURLPrefix)
	require.NoError(t, err)
	ctx := context.Background()

	first, err := store.Upload(ctx, "images/1/a.png", "image/png", []byte("one"))
	require.NoError(t, err)
	second, err := store.Upload(ctx, "images/1/a.png", "image/png", []byte("two"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, second.Key))
	_, err = os.Stat(filepath.Join(dir, "images", "1", "a-1.png"))
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(filepath.Join(dir, "images", "1", "a.png"))
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))

	require.NoError(t, store.Delete(ctx, second.Key), "deleting twice is fine")
	require.NoError(t, store.Delete(ctx, first.Key))
}

func TestLocalUploadStaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocal(dir, LocalURLPrefix)
	require.NoError(t, err)

	obj, err := store.Upload(context.Background(), "../../escape.txt", "text/plain", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "/uploads/escape.txt", obj.URL)
	_, err = os.Stat(filepath.Join(dir, "escape.txt"))
	require.NoError(t, err)
}

func TestPublicBaseURL(t *testing.T) {
	assert.Equal(t, "https://cdn.example.com",
		publicBaseURL(config.ObjectStorageConfig{Bucket: "b", PublicBaseURL: "https://cdn.example.com/"}, "eu-west-1"))
	assert.Equal(t, "http://minio:9000/b",
		publicBaseURL(config.ObjectStorageConfig{Bucket: "b", Endpoint: "http://minio:9000", UsePathStyle: true}, "us-east-1"))
	assert.Equal(t, "https://b.s3.eu-west-1.amazonaws.com",
		publicBaseURL(config.ObjectStorageConfig{Bucket: "b"}, "eu-west-1"))
}

func TestS3Upload(t *testing.T) {
	endpoint := os.Getenv("TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("set TEST_S3_ENDPOINT to run s3 upload tests")
	}
	cfg := config.ObjectStorageConfig{
		Endpoint:     endpoint,
		Bucket:       os.Getenv("TEST_S3_BUCKET"),
		AccessKey:    os.Getenv("TEST_S3_ACCESS_KEY"),
		SecretKey:    os.Getenv("TEST_S3_SECRET_KEY"),
		UsePathStyle: true,
	}
	store, err := NewS3(context.Background(), cfg)
	require.NoError(t, err)

	obj, err := store.Upload(context.Background(), ImageKey(1, time.Now(), ".txt"), "text/plain", []byte("hello"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(obj.URL, endpoint))
	defer store.Delete(context.Background(), obj.Key)

	resp, err := http.Get(obj.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "hello", string(body))
	}
}
