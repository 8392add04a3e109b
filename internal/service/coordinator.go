package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/s3upload/internal/models"
	"github.com/PaulBabatuyi/s3upload/internal/naming"
	"github.com/PaulBabatuyi/s3upload/internal/observability"
	"github.com/PaulBabatuyi/s3upload/internal/storage"
	"github.com/PaulBabatuyi/s3upload/internal/transcode"
)

type Transcoder interface {
	TryTranscode(ctx context.Context, src, mimeType string, cfg transcode.Config) (transcode.Outcome, error)
}

// SettingsSource supplies compression settings. It is consulted once per upload.
type SettingsSource interface {
	CompressionSettings() transcode.Config
}

// StaticSettings is a SettingsSource that never changes.
type StaticSettings transcode.Config

func (s StaticSettings) CompressionSettings() transcode.Config { return transcode.Config(s) }

type CoordinatorConfig struct {
	Store      storage.ObjectStore
	Transcoder Transcoder
	Policy     ExtensionPolicy
	Settings   SettingsSource
	Logger     *zap.Logger
	Metrics    *observability.Metrics

	// KeyPrefix is prepended to every object key.
	KeyPrefix string
	// LocalCacheDir holds same-named local copies removed on delete; "" disables.
	LocalCacheDir string
	// StrictImages rejects image types that have no transcoder while
	// compression is enabled, instead of storing them unchanged.
	StrictImages bool

	Now   func() time.Time
	NewID func() string
}

// Coordinator runs uploads through naming, optional transcoding and the
// object store, and produces attachment records.
type Coordinator struct {
	config CoordinatorConfig
	logger *zap.Logger
	tracer trace.Tracer
}

func NewCoordinator(config CoordinatorConfig) (*Coordinator, error) {
	if config.Store == nil {
		return nil, errors.New("coordinator: object store is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Transcoder == nil {
		config.Transcoder = transcode.NewTranscoder(config.Logger, 0)
	}
	if config.Policy == nil {
		config.Policy = NewAllowList(DefaultExtensions...)
	}
	if config.Settings == nil {
		config.Settings = StaticSettings{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.NewID == nil {
		config.NewID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}

	return &Coordinator{
		config: config,
		logger: config.Logger,
		tracer: otel.Tracer("github.com/PaulBabatuyi/s3upload/internal/service"),
	}, nil
}

// file is one side of an upload: the caller's original or the transcode output.
type file struct {
	path string
	name string
	ext  string
	mime string
	size int64
}

// Upload stores raw and returns its record. Errors wrapping ErrRejected mean
// nothing reached the object store.
func (c *Coordinator) Upload(ctx context.Context, raw models.RawUpload) (rec *models.Attachment, err error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Upload")
	fileType := models.FileTypeOther
	defer func() {
		c.observeUpload(fileType, err)
		finish(span, err)
	}()

	// 1. Validate name, extension and content
	src, err := c.inspect(raw)
	if err != nil {
		return nil, err
	}
	fileType = models.DeriveFileType(src.mime)
	span.SetAttributes(
		attribute.String("upload.mime", src.mime),
		attribute.Int64("upload.size", src.size),
	)

	settings := c.config.Settings.CompressionSettings()
	isImage := transcode.IsRasterImage(src.mime)
	if !isImage && c.config.StrictImages && settings.Enabled && isUntranscodableRaster(src.mime) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, src.mime)
	}

	// 2. Transcode if eligible; the output file lives until we return
	final := src
	var outcome transcode.Outcome
	defer func() {
		if err := outcome.Cleanup(); err != nil {
			c.logger.Warn("failed to remove transcode output", zap.String("path", outcome.Path), zap.Error(err))
		}
	}()

	if isImage {
		outcome = c.transcode(ctx, src, settings)
		if outcome.Succeeded {
			final = file{
				path: outcome.Path,
				name: naming.ReplaceExt(src.name, transcode.OutputExtension),
				ext:  transcode.OutputExtension,
				mime: outcome.Mime,
				size: outcome.Size,
			}
		}
	}
	span.SetAttributes(attribute.Bool("upload.transcoded", outcome.Succeeded))

	// 3. Store
	now := c.config.Now()
	key := naming.ObjectKey(c.config.KeyPrefix, now, c.config.NewID(), final.name)
	obj, err := c.put(ctx, key, final)
	if err != nil {
		c.logger.Error("failed to store upload",
			zap.String("key", key),
			zap.String("name", final.name),
			zap.Error(err),
		)
		return nil, fmt.Errorf("store upload: %w", err)
	}

	// 4. Build the record from what was actually stored
	size := obj.Size
	if size <= 0 {
		size = final.size
	}
	url := obj.PublicURL
	if url == "" {
		url = c.config.Store.PublicURL(obj.Key)
	}

	rec = &models.Attachment{
		Name:      final.name,
		Path:      obj.Key,
		Size:      size,
		Type:      final.ext,
		Mime:      final.mime,
		Extension: final.ext,
		CreatedAt: now,
		IsImage:   transcode.IsRasterImage(final.mime),
		URL:       url,
	}

	c.logger.Info("stored upload",
		zap.String("key", rec.Path),
		zap.String("mime", rec.Mime),
		zap.Int64("size", rec.Size),
		zap.Bool("transcoded", outcome.Succeeded),
	)
	return rec, nil
}

func (c *Coordinator) inspect(raw models.RawUpload) (file, error) {
	name := naming.Base(raw.Name)
	if name == "" {
		return file{}, fmt.Errorf("%w: missing file name", ErrRejected)
	}

	ext := naming.DeriveExtension(raw.Name)
	if ext == "" || !c.config.Policy.IsAllowedExtension(ext) {
		return file{}, fmt.Errorf("%w: extension %q is not allowed", ErrRejected, ext)
	}

	if raw.Path == "" {
		return file{}, fmt.Errorf("%w: missing content", ErrRejected)
	}
	info, err := os.Stat(raw.Path)
	if err != nil {
		return file{}, fmt.Errorf("stat upload: %w", err)
	}
	if info.IsDir() {
		return file{}, fmt.Errorf("%w: content is a directory", ErrRejected)
	}

	mimeType := NormalizeMime(raw.MimeHint)
	if mimeType == "" {
		if mimeType, err = DetectMime(raw.Path); err != nil {
			return file{}, err
		}
	}

	return file{
		path: raw.Path,
		name: name,
		ext:  ext,
		mime: mimeType,
		size: info.Size(),
	}, nil
}

// transcode never fails the upload: every problem degrades to storing the original.
func (c *Coordinator) transcode(ctx context.Context, src file, settings transcode.Config) transcode.Outcome {
	if settings.TempDir == "" {
		settings.TempDir = os.TempDir()
	}

	out, err := c.config.Transcoder.TryTranscode(ctx, src.path, src.mime, settings)
	switch {
	case err != nil:
		c.logger.Warn("transcode failed, storing original", zap.String("name", src.name), zap.Error(err))
		c.config.Metrics.ObserveTranscode("failed", src.size, 0)
		return transcode.Outcome{}
	case out.Succeeded:
		c.config.Metrics.ObserveTranscode("transcoded", src.size, out.Size)
	case out.Skip != "":
		c.logger.Debug("transcode skipped", zap.String("name", src.name), zap.String("reason", string(out.Skip)))
		c.config.Metrics.ObserveTranscode("skipped", src.size, 0)
	default:
		c.logger.Warn("transcode failed, storing original", zap.String("name", src.name), zap.Error(out.Cause))
		c.config.Metrics.ObserveTranscode("failed", src.size, 0)
	}
	return out
}

func (c *Coordinator) put(ctx context.Context, key string, f file) (storage.StoredObject, error) {
	body, err := os.Open(f.path)
	if err != nil {
		return storage.StoredObject{}, fmt.Errorf("open %s: %w", f.name, err)
	}
	defer body.Close()

	start := time.Now()
	obj, err := c.config.Store.Put(ctx, key, body, f.size, f.mime)
	c.config.Metrics.ObserveStorage("put", start, err)
	return obj, err
}

// Replace uploads raw and, only once that has succeeded, deletes the object
// behind old. A failed delete of old is logged; the new record is still returned.
func (c *Coordinator) Replace(ctx context.Context, old *models.Attachment, raw models.RawUpload) (rec *models.Attachment, err error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Replace")
	defer func() { finish(span, err) }()

	rec, err = c.Upload(ctx, raw)
	if err != nil {
		return nil, err
	}

	if old.StorageKey() == "" || old.StorageKey() == rec.Path {
		return rec, nil
	}
	if err := c.Delete(ctx, old); err != nil {
		c.logger.Warn("stored replacement but failed to delete previous object",
			zap.String("old_key", old.StorageKey()),
			zap.String("new_key", rec.Path),
			zap.Error(err),
		)
	}
	return rec, nil
}

// Delete removes the object behind rec. An object that is already gone
// counts as deleted. The local cache copy is removed best-effort.
func (c *Coordinator) Delete(ctx context.Context, rec *models.Attachment) (err error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.Delete")
	defer func() { finish(span, err) }()

	key := rec.StorageKey()
	if key == "" {
		return fmt.Errorf("%w: attachment has no storage path", ErrRejected)
	}
	span.SetAttributes(attribute.String("object.key", key))

	start := time.Now()
	existed, err := c.config.Store.Delete(ctx, key)
	c.config.Metrics.ObserveStorage("delete", start, err)
	if err != nil {
		c.config.Metrics.ObserveDelete("error")
		c.logger.Error("failed to delete object", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("delete object: %w", err)
	}

	if existed {
		c.config.Metrics.ObserveDelete("deleted")
	} else {
		c.config.Metrics.ObserveDelete("absent")
		c.logger.Debug("object already absent", zap.String("key", key))
	}

	c.removeLocalCopy(key)
	return nil
}

func (c *Coordinator) removeLocalCopy(key string) {
	dir := c.config.LocalCacheDir
	if dir == "" {
		return
	}

	target := filepath.Join(dir, filepath.FromSlash(key))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		c.logger.Warn("refusing to remove cache path outside cache dir", zap.String("key", key))
		return
	}

	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("failed to remove local cache copy", zap.String("path", target), zap.Error(err))
	}
}

// ResolveURL returns the public URL of rec's object, or "" when rec has no path.
func (c *Coordinator) ResolveURL(rec *models.Attachment) string {
	key := rec.StorageKey()
	if key == "" {
		return ""
	}
	return c.config.Store.PublicURL(key)
}

func (c *Coordinator) observeUpload(fileType models.FileType, err error) {
	result := "stored"
	switch {
	case errors.Is(err, ErrRejected):
		result = "rejected"
	case err != nil:
		result = "failed"
	}
	c.config.Metrics.ObserveUpload(result, string(fileType))
}

func isUntranscodableRaster(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/") && mimeType != "image/svg+xml"
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
