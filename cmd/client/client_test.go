package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/s3upload/internal/database"
	"github.com/PaulBabatuyi/s3upload/internal/middleware"
	"github.com/PaulBabatuyi/s3upload/internal/server"
	"github.com/PaulBabatuyi/s3upload/internal/service"
	"github.com/PaulBabatuyi/s3upload/internal/storage"
	"github.com/PaulBabatuyi/s3upload/internal/transcode"
)

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.NewFilesystemStorage(t.TempDir(), "https://files.example.com")
	require.NoError(t, err)
	coord, err := service.NewCoordinator(service.CoordinatorConfig{
		Store:    store,
		Settings: service.StaticSettings(transcode.Config{}),
	})
	require.NoError(t, err)

	router := gin.New()
	router.Use(middleware.APIKeyAuth([]string{"secret-key"}))
	server.RegisterRoutes(router, server.Config{
		Pipeline:       coord,
		Records:        database.NewMemoryDB(),
		MaxUploadBytes: 1 << 20,
		TempDir:        t.TempDir(),
	})

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileClientRoundTrip(t *testing.T) {
	ts := newAPI(t)
	fc := NewFileClient(ts.URL, "secret-key", 5*time.Second)
	var progress bytes.Buffer
	fc.progress = &progress
	ctx := context.Background()

	rec, err := fc.UploadFile(ctx, writeFile(t, "report.txt", "quarterly numbers"))
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, "report.txt", rec.Name)
	assert.Equal(t, int64(len("quarterly numbers")), rec.Size)
	assert.Contains(t, progress.String(), "100.00%")

	got, err := fc.GetAttachment(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Path, got.Path)

	replaced, err := fc.ReplaceFile(ctx, rec.ID, writeFile(t, "report-v2.txt", "revised numbers"))
	require.NoError(t, err)
	assert.NotEqual(t, rec.Path, replaced.Path)

	require.NoError(t, fc.DeleteAttachment(ctx, rec.ID))

	_, err = fc.GetAttachment(ctx, rec.ID)
	assert.True(t, isNotFound(err))
}

func TestFileClientErrors(t *testing.T) {
	ts := newAPI(t)
	ctx := context.Background()

	_, err := NewFileClient(ts.URL, "wrong", time.Second).GetAttachment(ctx, "x")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	_, err = NewFileClient(ts.URL, "secret-key", time.Second).UploadFile(ctx, writeFile(t, "tool.exe", "MZ"))
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	_, err = NewFileClient(ts.URL, "secret-key", time.Second).UploadFile(ctx, filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestUploadCommand(t *testing.T) {
	ts := newAPI(t)

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--server", ts.URL, "--api-key", "secret-key", "-q", "upload", writeFile(t, "a.txt", "hello")})
	require.NoError(t, cmd.Execute())

	var rec Attachment
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec))
	assert.Equal(t, "a.txt", rec.Name)
	assert.NotEmpty(t, rec.URL)

	cmd = newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--server", ts.URL, "--api-key", "secret-key", "get", "nope"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
