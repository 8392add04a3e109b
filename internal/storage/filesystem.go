package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStorage stores objects below a local directory. Writes go to a
// temp file in the target directory and are renamed into place.
type FilesystemStorage struct {
	basePath string // e.g., "./data/files"
	urls     URLBuilder
}

func NewFilesystemStorage(basePath, publicBaseURL string) (*FilesystemStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FilesystemStorage{basePath: basePath, urls: URLBuilder{Base: publicBaseURL}}, nil
}

func (fs *FilesystemStorage) objectPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimLeft(key, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(fs.basePath, clean), nil
}

func (fs *FilesystemStorage) Put(ctx context.Context, key string, body io.Reader, size int64, mimeType string) (StoredObject, error) {
	target, err := fs.objectPath(key)
	if err != nil {
		return StoredObject{}, wrapErr(ErrWrite, "put", key, err)
	}
	if err := ctx.Err(); err != nil {
		return StoredObject{}, wrapErr(ErrWrite, "put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return StoredObject{}, wrapErr(ErrWrite, "put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		return StoredObject{}, wrapErr(ErrWrite, "put", key, err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, body)
	if err != nil {
		return StoredObject{}, wrapErr(ErrWrite, "put", key, err)
	}
	if size >= 0 && n != size {
		return StoredObject{}, wrapErr(ErrWrite, "put", key, fmt.Errorf("short write: %d of %d bytes", n, size))
	}
	if err := tmp.Close(); err != nil {
		return StoredObject{}, wrapErr(ErrWrite, "put", key, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return StoredObject{}, wrapErr(ErrWrite, "put", key, err)
	}
	committed = true

	return StoredObject{
		Key:       key,
		Size:      n,
		MimeType:  mimeType,
		PublicURL: fs.urls.PublicURL(key),
	}, nil
}

func (fs *FilesystemStorage) Delete(ctx context.Context, key string) (bool, error) {
	target, err := fs.objectPath(key)
	if err != nil {
		return false, wrapErr(ErrDelete, "delete", key, err)
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, wrapErr(ErrDelete, "delete", key, err)
	}
	return true, nil
}

func (fs *FilesystemStorage) PublicURL(key string) string {
	return fs.urls.PublicURL(key)
}

// Ping checks that the storage root is still a directory.
func (fs *FilesystemStorage) Ping(ctx context.Context) error {
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", fs.basePath)
	}
	return nil
}
