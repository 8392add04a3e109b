package storage

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Builder constructs the shared store. It may perform network calls.
type Builder func(ctx context.Context) (ObjectStore, error)

// Lazy builds its store on first use and reuses it for the life of the
// process. A failed build is retried on the next call. PublicURL never
// triggers a build.
type Lazy struct {
	urls  URLBuilder
	build Builder

	mu    sync.Mutex
	store ObjectStore
}

func NewLazy(urls URLBuilder, build Builder) *Lazy {
	return &Lazy{urls: urls, build: build}
}

// Get returns the shared store, building it if needed.
func (l *Lazy) Get(ctx context.Context) (ObjectStore, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store != nil {
		return l.store, nil
	}
	s, err := l.build(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize object store: %w", err)
	}
	l.store = s
	return s, nil
}

func (l *Lazy) Put(ctx context.Context, key string, body io.Reader, size int64, mimeType string) (StoredObject, error) {
	s, err := l.Get(ctx)
	if err != nil {
		return StoredObject{}, wrapErr(ErrWrite, "put", key, err)
	}
	return s.Put(ctx, key, body, size, mimeType)
}

func (l *Lazy) Delete(ctx context.Context, key string) (bool, error) {
	s, err := l.Get(ctx)
	if err != nil {
		return false, wrapErr(ErrDelete, "delete", key, err)
	}
	return s.Delete(ctx, key)
}

func (l *Lazy) PublicURL(key string) string {
	return l.urls.PublicURL(key)
}

// Ping builds the store if needed and pings it when it supports that.
func (l *Lazy) Ping(ctx context.Context) error {
	s, err := l.Get(ctx)
	if err != nil {
		return err
	}
	if p, ok := s.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
