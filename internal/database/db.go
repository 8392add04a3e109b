package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/PaulBabatuyi/s3upload/internal/models"
)

var ErrNotFound = errors.New("attachment not found")

const schema = `
CREATE TABLE IF NOT EXISTS attachments (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    path        TEXT NOT NULL,
    size        BIGINT NOT NULL,
    type        TEXT NOT NULL,
    mime        TEXT NOT NULL,
    extension   TEXT NOT NULL,
    is_image    BOOLEAN NOT NULL,
    url         TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    deleted_at  TIMESTAMPTZ
)`

type PostgresDB struct {
	db *sql.DB
}

func NewPostgresDB(connectionString string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresDB{db: db}, nil
}

// Migrate creates the attachments table if it does not exist.
func (p *PostgresDB) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create attachments table: %w", err)
	}
	return nil
}

func (p *PostgresDB) Close() error {
	return p.db.Close()
}

// Save inserts or replaces the record stored under id.
func (p *PostgresDB) Save(ctx context.Context, id string, rec *models.Attachment) error {
	query := `
        INSERT INTO attachments (id, name, path, size, type, mime, extension, is_image, url, created_at, updated_at, deleted_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL)
        ON CONFLICT (id) DO UPDATE SET
            name = EXCLUDED.name,
            path = EXCLUDED.path,
            size = EXCLUDED.size,
            type = EXCLUDED.type,
            mime = EXCLUDED.mime,
            extension = EXCLUDED.extension,
            is_image = EXCLUDED.is_image,
            url = EXCLUDED.url,
            created_at = EXCLUDED.created_at,
            updated_at = EXCLUDED.updated_at,
            deleted_at = NULL
    `
	_, err := p.db.ExecContext(ctx, query,
		id,
		rec.Name,
		rec.Path,
		rec.Size,
		rec.Type,
		rec.Mime,
		rec.Extension,
		rec.IsImage,
		rec.URL,
		rec.CreatedAt,
		time.Now(),
	)
	return err
}

func (p *PostgresDB) Get(ctx context.Context, id string) (*models.Attachment, error) {
	query := `
        SELECT name, path, size, type, mime, extension, is_image, url, created_at
        FROM attachments
        WHERE id = $1 AND deleted_at IS NULL
    `

	var rec models.Attachment
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&rec.Name,
		&rec.Path,
		&rec.Size,
		&rec.Type,
		&rec.Mime,
		&rec.Extension,
		&rec.IsImage,
		&rec.URL,
		&rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete soft-deletes the record stored under id.
func (p *PostgresDB) Delete(ctx context.Context, id string) error {
	query := `
        UPDATE attachments
        SET deleted_at = NOW()
        WHERE id = $1 AND deleted_at IS NULL
    `
	result, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
