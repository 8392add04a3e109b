// Package config loads runtime settings from an optional .env file, an
// optional YAML file and S3UPLOAD_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/PaulBabatuyi/s3upload/internal/service"
	"github.com/PaulBabatuyi/s3upload/internal/storage"
	"github.com/PaulBabatuyi/s3upload/internal/transcode"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "S3UPLOAD"

const (
	DriverS3         = "s3"
	DriverFilesystem = "filesystem"
)

type Config struct {
	Server            ServerConfig      `mapstructure:"server"`
	Storage           StorageConfig     `mapstructure:"storage"`
	Compression       CompressionConfig `mapstructure:"compression"`
	AllowedExtensions []string          `mapstructure:"allowed_extensions"`
	LocalCacheDir     string            `mapstructure:"local_cache_dir"`
	DatabaseURL       string            `mapstructure:"database_url"`
	Sweeper           SweeperConfig     `mapstructure:"sweeper"`
}

type ServerConfig struct {
	HTTPAddr       string        `mapstructure:"http_addr"`
	GRPCAddr       string        `mapstructure:"grpc_addr"`
	MetricsPort    string        `mapstructure:"metrics_port"`
	Env            string        `mapstructure:"env"`
	LogLevel       string        `mapstructure:"log_level"`
	APIKeys        []string      `mapstructure:"api_keys"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
}

type StorageConfig struct {
	Driver        string        `mapstructure:"driver"`
	Endpoint      string        `mapstructure:"endpoint"`
	Region        string        `mapstructure:"region"`
	Bucket        string        `mapstructure:"bucket"`
	AccessKey     string        `mapstructure:"access_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	SessionToken  string        `mapstructure:"session_token"`
	UseSSL        bool          `mapstructure:"use_ssl"`
	PathStyle     bool          `mapstructure:"path_style"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
	ACL           string        `mapstructure:"acl"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	LocalRoot     string        `mapstructure:"local_root"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type CompressionConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Quality       int    `mapstructure:"quality"`
	// MaxConcurrent caps parallel transcodes; 0 means one per CPU.
	MaxConcurrent int    `mapstructure:"max_concurrent"`
	TempDir       string `mapstructure:"temp_dir"`
	StrictImages  bool   `mapstructure:"strict_images"`
	// MaxPixels refuses to decode sources larger than this; 0 means the transcoder default.
	MaxPixels     int64  `mapstructure:"max_pixels"`
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

func (c *Config) IsDev() bool {
	return c.Server.Env == "" || c.Server.Env == "development"
}

// S3 converts the storage section for storage.NewS3Store.
func (s StorageConfig) S3() storage.S3Config {
	return storage.S3Config{
		Endpoint:      s.Endpoint,
		Region:        s.Region,
		Bucket:        s.Bucket,
		AccessKey:     s.AccessKey,
		SecretKey:     s.SecretKey,
		SessionToken:  s.SessionToken,
		UseSSL:        s.UseSSL,
		PathStyle:     s.PathStyle,
		PublicBaseURL: s.PublicBaseURL,
		ACL:           s.ACL,
		Timeout:       s.Timeout,
	}
}

func (c CompressionConfig) Transcode() transcode.Config {
	return transcode.Config{
		Enabled:   c.Enabled,
		Quality:   c.Quality,
		TempDir:   c.TempDir,
		MaxPixels: c.MaxPixels,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":50051")
	v.SetDefault("server.metrics_port", "9090")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "")
	v.SetDefault("server.api_keys", []string{})
	v.SetDefault("server.max_upload_bytes", int64(64<<20))
	v.SetDefault("server.probe_interval", 30*time.Second)

	v.SetDefault("storage.driver", DriverS3)
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.session_token", "")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.path_style", false)
	v.SetDefault("storage.public_base_url", "")
	v.SetDefault("storage.acl", "")
	v.SetDefault("storage.key_prefix", "uploads")
	v.SetDefault("storage.local_root", "./data/files")
	v.SetDefault("storage.timeout", 30*time.Second)

	v.SetDefault("compression.enabled", true)
	v.SetDefault("compression.quality", transcode.DefaultQuality)
	v.SetDefault("compression.max_concurrent", 0)
	v.SetDefault("compression.temp_dir", "")
	v.SetDefault("compression.strict_images", false)
	v.SetDefault("compression.max_pixels", int64(transcode.DefaultMaxPixels))

	v.SetDefault("allowed_extensions", service.DefaultExtensions)
	v.SetDefault("local_cache_dir", "")
	v.SetDefault("database_url", "")

	v.SetDefault("sweeper.interval", 10*time.Minute)
	v.SetDefault("sweeper.max_age", time.Hour)
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment are used.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.AllowedExtensions = splitList(cfg.AllowedExtensions)
	cfg.Server.APIKeys = splitList(cfg.Server.APIKeys)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitList flattens entries that arrived as one comma separated string.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) Validate() error {
	var problems []string

	switch c.Storage.Driver {
	case DriverS3:
		if c.Storage.Endpoint == "" {
			problems = append(problems, "storage.endpoint is required for the s3 driver")
		}
		if c.Storage.Bucket == "" {
			problems = append(problems, "storage.bucket is required for the s3 driver")
		}
		if (c.Storage.AccessKey == "") != (c.Storage.SecretKey == "") {
			problems = append(problems, "storage.access_key and storage.secret_key must be set together")
		}
	case DriverFilesystem:
		if c.Storage.LocalRoot == "" {
			problems = append(problems, "storage.local_root is required for the filesystem driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown storage.driver %q", c.Storage.Driver))
	}

	if c.Compression.Quality < 0 || c.Compression.Quality > 100 {
		problems = append(problems, "compression.quality must be 0 (default) or 1-100")
	}
	if c.Compression.MaxPixels < 0 {
		problems = append(problems, "compression.max_pixels must not be negative")
	}
	if c.Compression.MaxConcurrent < 0 {
		problems = append(problems, "compression.max_concurrent must not be negative")
	}
	if c.Server.MaxUploadBytes <= 0 {
		problems = append(problems, "server.max_upload_bytes must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
