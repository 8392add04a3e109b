package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PaulBabatuyi/s3upload/internal/service"
	"github.com/PaulBabatuyi/s3upload/internal/transcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithFilesystemDriver(t *testing.T) {
	t.Setenv("S3UPLOAD_STORAGE_DRIVER", "filesystem")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":50051", cfg.Server.GRPCAddr)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, DriverFilesystem, cfg.Storage.Driver)
	assert.Equal(t, "uploads", cfg.Storage.KeyPrefix)
	assert.True(t, cfg.Compression.Enabled)
	assert.Equal(t, transcode.DefaultQuality, cfg.Compression.Quality)
	assert.Equal(t, service.DefaultExtensions, cfg.AllowedExtensions)
	assert.Empty(t, cfg.Server.APIKeys)
	assert.Equal(t, time.Hour, cfg.Sweeper.MaxAge)
	assert.Equal(t, int64(transcode.DefaultMaxPixels), cfg.Compression.MaxPixels)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("S3UPLOAD_STORAGE_ENDPOINT", "s3.example.test")
	t.Setenv("S3UPLOAD_STORAGE_BUCKET", "attachments")
	t.Setenv("S3UPLOAD_STORAGE_ACCESS_KEY", "AKIDEXAMPLE")
	t.Setenv("S3UPLOAD_STORAGE_SECRET_KEY", "not-a-real-secret")
	t.Setenv("S3UPLOAD_STORAGE_PATH_STYLE", "true")
	t.Setenv("S3UPLOAD_STORAGE_TIMEOUT", "5s")
	t.Setenv("S3UPLOAD_COMPRESSION_QUALITY", "70")
	t.Setenv("S3UPLOAD_COMPRESSION_ENABLED", "false")
	t.Setenv("S3UPLOAD_COMPRESSION_MAX_PIXELS", "1000000")
	t.Setenv("S3UPLOAD_SERVER_API_KEYS", "one, two")
	t.Setenv("S3UPLOAD_ALLOWED_EXTENSIONS", "jpg,png")
	t.Setenv("S3UPLOAD_SERVER_ENV", "production")

	cfg, err := Load("")
	require.NoError(t, err)

	s3 := cfg.Storage.S3()
	assert.Equal(t, "s3.example.test", s3.Endpoint)
	assert.Equal(t, "attachments", s3.Bucket)
	assert.True(t, s3.PathStyle)
	assert.Equal(t, 5*time.Second, s3.Timeout)
	assert.Equal(t, "https://s3.example.test/attachments", s3.BaseURL())

	tc := cfg.Compression.Transcode()
	assert.False(t, tc.Enabled)
	assert.Equal(t, 70, tc.Quality)
	assert.Equal(t, int64(1000000), tc.MaxPixels)

	assert.Equal(t, []string{"one", "two"}, cfg.Server.APIKeys)
	assert.Equal(t, []string{"jpg", "png"}, cfg.AllowedExtensions)
	assert.False(t, cfg.IsDev())
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  driver: filesystem
  local_root: /srv/files
  key_prefix: media
compression:
  quality: 60
  strict_images: true
`), 0o600))

	t.Setenv("S3UPLOAD_COMPRESSION_QUALITY", "90")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/files", cfg.Storage.LocalRoot)
	assert.Equal(t, "media", cfg.Storage.KeyPrefix)
	assert.True(t, cfg.Compression.StrictImages)
	assert.Equal(t, 90, cfg.Compression.Quality)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Server:      ServerConfig{MaxUploadBytes: 1 << 20},
			Storage:     StorageConfig{Driver: DriverS3, Endpoint: "s3.example.test", Bucket: "b"},
			Compression: CompressionConfig{Quality: 85},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing bucket", func(c *Config) { c.Storage.Bucket = "" }, "storage.bucket"},
		{"missing endpoint", func(c *Config) { c.Storage.Endpoint = "" }, "storage.endpoint"},
		{"half credentials", func(c *Config) { c.Storage.AccessKey = "AK" }, "set together"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "ftp" }, "unknown storage.driver"},
		{"filesystem without root", func(c *Config) { c.Storage = StorageConfig{Driver: DriverFilesystem} }, "local_root"},
		{"default quality", func(c *Config) { c.Compression.Quality = 0 }, ""},
		{"quality out of range", func(c *Config) { c.Compression.Quality = 101 }, "compression.quality must be 0 (default) or 1-100"},
		{"negative pixel cap", func(c *Config) { c.Compression.MaxPixels = -1 }, "max_pixels"},
		{"upload limit", func(c *Config) { c.Server.MaxUploadBytes = 0 }, "max_upload_bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
