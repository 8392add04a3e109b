package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

var (
	ErrWrite   = errors.New("storage write failed")
	ErrTimeout = errors.New("storage operation timed out")
	ErrDelete  = errors.New("storage delete failed")
)

// ObjectStore is a key-addressed remote store. Implementations must be safe
// for concurrent use.
type ObjectStore interface {
	// Put stores body under key in a single operation; a failed Put leaves
	// nothing addressable under key.
	Put(ctx context.Context, key string, body io.Reader, size int64, mimeType string) (StoredObject, error)
	// Delete removes key and reports whether it existed. Deleting a missing
	// key is not an error.
	Delete(ctx context.Context, key string) (bool, error)
	// PublicURL derives the public address of key without network access.
	PublicURL(key string) string
}

// StoredObject describes an object written by Put.
type StoredObject struct {
	Key       string
	Size      int64
	MimeType  string
	PublicURL string
}

// URLBuilder joins a public base URL (bucket endpoint or CDN domain) and a key.
type URLBuilder struct {
	Base string
}

func (u URLBuilder) PublicURL(key string) string {
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return ""
	}
	return strings.TrimRight(u.Base, "/") + "/" + key
}

// wrapErr tags err with kind, or with ErrTimeout when err is a deadline or a
// network timeout.
func wrapErr(kind error, op, key string, err error) error {
	if isTimeout(err) {
		kind = ErrTimeout
	}
	return fmt.Errorf("%s %s: %w: %w", op, key, kind, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
