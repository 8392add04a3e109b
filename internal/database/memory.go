package database

import (
	"context"
	"sync"

	"github.com/PaulBabatuyi/s3upload/internal/models"
)

// MemoryDB keeps records in process memory. It is used when no database URL
// is configured.
type MemoryDB struct {
	mu      sync.RWMutex
	records map[string]models.Attachment
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{records: make(map[string]models.Attachment)}
}

func (m *MemoryDB) Save(ctx context.Context, id string, rec *models.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = *rec
	return nil
}

func (m *MemoryDB) Get(ctx context.Context, id string) (*models.Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryDB) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}
