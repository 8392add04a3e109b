package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemPutDelete(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFilesystemStorage(root, "https://cdn.example.com/")
	require.NoError(t, err)
	ctx := context.Background()

	body := []byte("hello object store")
	obj, err := fs.Put(ctx, "2026/01/id-hello.txt", bytes.NewReader(body), int64(len(body)), "text/plain")
	require.NoError(t, err)

	assert.Equal(t, "2026/01/id-hello.txt", obj.Key)
	assert.Equal(t, int64(len(body)), obj.Size)
	assert.Equal(t, "text/plain", obj.MimeType)
	assert.Equal(t, "https://cdn.example.com/2026/01/id-hello.txt", obj.PublicURL)

	got, err := os.ReadFile(filepath.Join(root, "2026", "01", "id-hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, body, got)

	existed, err := fs.Delete(ctx, obj.Key)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = fs.Delete(ctx, obj.Key)
	require.NoError(t, err)
	assert.False(t, existed)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestFilesystemPutFailureLeavesNothing(t *testing.T) {
	root := t.TempDir()
	fs, err := NewFilesystemStorage(root, "")
	require.NoError(t, err)

	_, err = fs.Put(context.Background(), "a/b.bin", io.MultiReader(strings.NewReader("part"), failingReader{}), 100, "application/octet-stream")
	require.ErrorIs(t, err, ErrWrite)

	entries, err := os.ReadDir(filepath.Join(root, "a"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFilesystemShortBodyIsRejected(t *testing.T) {
	fs, err := NewFilesystemStorage(t.TempDir(), "")
	require.NoError(t, err)

	_, err = fs.Put(context.Background(), "x.bin", strings.NewReader("abc"), 10, "application/octet-stream")
	assert.ErrorIs(t, err, ErrWrite)
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	fs, err := NewFilesystemStorage(t.TempDir(), "")
	require.NoError(t, err)

	_, err = fs.Put(context.Background(), "../outside.txt", strings.NewReader("x"), 1, "text/plain")
	assert.ErrorIs(t, err, ErrWrite)

	_, err = fs.Delete(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrDelete)
}

func TestPublicURLRoundTrip(t *testing.T) {
	fs, err := NewFilesystemStorage(t.TempDir(), "https://bucket.example.com")
	require.NoError(t, err)

	for _, key := range []string{"a.txt", "2026/10/x-y.webp", "deep/er/path/file.tar.gz"} {
		obj, err := fs.Put(context.Background(), key, strings.NewReader("x"), 1, "text/plain")
		require.NoError(t, err)

		url := fs.PublicURL(obj.Key)
		assert.True(t, strings.HasSuffix(url, "/"+key), url)
		assert.Equal(t, url, fs.PublicURL(obj.Key))
		assert.Equal(t, obj.PublicURL, url)
	}
}

func TestURLBuilder(t *testing.T) {
	u := URLBuilder{Base: "https://cdn.example.com//"}
	assert.Equal(t, "https://cdn.example.com/k/v.png", u.PublicURL("/k/v.png"))
	assert.Equal(t, "", u.PublicURL(""))
}

func TestS3ConfigBaseURL(t *testing.T) {
	cfg := S3Config{Endpoint: "s3.example.com", Bucket: "media", UseSSL: true}
	assert.Equal(t, "https://media.s3.example.com", cfg.BaseURL())

	cfg.PathStyle = true
	cfg.UseSSL = false
	assert.Equal(t, "http://s3.example.com/media", cfg.BaseURL())

	cfg.PublicBaseURL = "https://cdn.example.com/"
	assert.Equal(t, "https://cdn.example.com", cfg.BaseURL())
}

func TestS3ConfigValidate(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint, bucket")
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestWrapErrClassifiesTimeouts(t *testing.T) {
	err := wrapErr(ErrWrite, "put", "k", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrWrite)

	err = wrapErr(ErrWrite, "put", "k", timeoutErr{})
	assert.ErrorIs(t, err, ErrTimeout)

	err = wrapErr(ErrDelete, "delete", "k", errors.New("access denied"))
	assert.ErrorIs(t, err, ErrDelete)
	assert.Contains(t, err.Error(), "access denied")
}

type countingStore struct {
	URLBuilder
}

func (countingStore) Put(ctx context.Context, key string, body io.Reader, size int64, mimeType string) (StoredObject, error) {
	return StoredObject{Key: key, Size: size, MimeType: mimeType}, nil
}

func (countingStore) Delete(ctx context.Context, key string) (bool, error) { return true, nil }

func TestLazyBuildsOnce(t *testing.T) {
	var builds atomic.Int32
	lazy := NewLazy(URLBuilder{Base: "https://x"}, func(ctx context.Context) (ObjectStore, error) {
		builds.Add(1)
		time.Sleep(10 * time.Millisecond)
		return countingStore{}, nil
	})

	assert.Equal(t, "https://x/k", lazy.PublicURL("k"))
	assert.Zero(t, builds.Load(), "PublicURL must not build the client")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lazy.Put(context.Background(), "k", strings.NewReader("x"), 1, "text/plain")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
}

func TestLazyRetriesFailedBuild(t *testing.T) {
	attempts := 0
	lazy := NewLazy(URLBuilder{}, func(ctx context.Context) (ObjectStore, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("credentials rejected")
		}
		return countingStore{}, nil
	})

	_, err := lazy.Put(context.Background(), "k", strings.NewReader("x"), 1, "text/plain")
	assert.ErrorIs(t, err, ErrWrite)

	_, err = lazy.Delete(context.Background(), "k")
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestS3Integration(t *testing.T) {
	endpoint := os.Getenv("S3UPLOAD_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("S3UPLOAD_TEST_S3_ENDPOINT env not set")
	}

	ctx := context.Background()
	store, err := NewS3Store(ctx, S3Config{
		Endpoint:  endpoint,
		Bucket:    os.Getenv("S3UPLOAD_TEST_S3_BUCKET"),
		AccessKey: os.Getenv("S3UPLOAD_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("S3UPLOAD_TEST_S3_SECRET_KEY"),
		PathStyle: true,
		Timeout:   10 * time.Second,
	}, nil)
	require.NoError(t, err)

	key := "integration/" + time.Now().Format("20060102150405.000000000") + ".txt"
	body := []byte("integration")
	obj, err := store.Put(ctx, key, bytes.NewReader(body), int64(len(body)), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), obj.Size)
	assert.True(t, strings.HasSuffix(store.PublicURL(key), key))

	existed, err := store.Delete(ctx, key)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = store.Delete(ctx, key)
	require.NoError(t, err)
	assert.False(t, existed)
}
