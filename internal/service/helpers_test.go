package service_test

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/s3upload/internal/storage"
	"github.com/PaulBabatuyi/s3upload/internal/transcode"
)

// memStore is an in-memory ObjectStore that records the order of operations.
type memStore struct {
	storage.URLBuilder

	mu        sync.Mutex
	objects   map[string][]byte
	mimes     map[string]string
	ops       []string
	putErr    error
	deleteErr error
}

func newMemStore() *memStore {
	return &memStore{
		URLBuilder: storage.URLBuilder{Base: "https://cdn.example.com"},
		objects:    make(map[string][]byte),
		mimes:      make(map[string]string),
	}
}

func (m *memStore) Put(ctx context.Context, key string, body io.Reader, size int64, mimeType string) (storage.StoredObject, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.StoredObject{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "put:"+key)
	if m.putErr != nil {
		return storage.StoredObject{}, m.putErr
	}
	m.objects[key] = data
	m.mimes[key] = mimeType
	return storage.StoredObject{
		Key:       key,
		Size:      int64(len(data)),
		MimeType:  mimeType,
		PublicURL: m.URLBuilder.PublicURL(key),
	}, nil
}

func (m *memStore) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "delete:"+key)
	if m.deleteErr != nil {
		return false, m.deleteErr
	}
	_, ok := m.objects[key]
	delete(m.objects, key)
	return ok, nil
}

func (m *memStore) object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return b, ok
}

func (m *memStore) operations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

// stubTranscoder returns a fixed result.
type stubTranscoder struct {
	out   transcode.Outcome
	err   error
	calls int
}

func (s *stubTranscoder) TryTranscode(ctx context.Context, src, mimeType string, cfg transcode.Config) (transcode.Outcome, error) {
	s.calls++
	return s.out, s.err
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func noiseJPEG(t *testing.T, side int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(side)))
	img := image.NewRGBA(image.Rect(0, 0, side, side))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 4, 4))))
	return buf.Bytes()
}

func transcodeLeftovers(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, transcode.TempPattern))
	require.NoError(t, err)
	return matches
}

func errStorage(kind error) error {
	return fmt.Errorf("put: %w: simulated", kind)
}
