package server

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/s3upload/internal/database"
	"github.com/PaulBabatuyi/s3upload/internal/models"
	"github.com/PaulBabatuyi/s3upload/internal/service"
	"github.com/PaulBabatuyi/s3upload/internal/storage"
)

// Pipeline is the upload core the API drives. *service.Coordinator implements it.
type Pipeline interface {
	Upload(ctx context.Context, raw models.RawUpload) (*models.Attachment, error)
	Delete(ctx context.Context, rec *models.Attachment) error
	ResolveURL(rec *models.Attachment) string
}

// RecordStore keeps attachment records by id.
type RecordStore interface {
	Save(ctx context.Context, id string, rec *models.Attachment) error
	Get(ctx context.Context, id string) (*models.Attachment, error)
	Delete(ctx context.Context, id string) error
}

type Config struct {
	Pipeline       Pipeline
	Records        RecordStore
	Logger         *zap.Logger
	MaxUploadBytes int64
	// TempDir receives multipart bodies before they enter the pipeline.
	TempDir string
}

type attachmentServer struct {
	pipeline Pipeline
	records  RecordStore
	logger   *zap.Logger
	maxBytes int64
	tempDir  string
}

type attachmentResponse struct {
	ID string `json:"id"`
	*models.Attachment
}

// RegisterRoutes mounts the attachment API on r.
func RegisterRoutes(r gin.IRouter, cfg Config) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &attachmentServer{
		pipeline: cfg.Pipeline,
		records:  cfg.Records,
		logger:   cfg.Logger,
		maxBytes: cfg.MaxUploadBytes,
		tempDir:  cfg.TempDir,
	}

	g := r.Group("/v1/attachments")
	g.POST("", s.upload)
	g.GET("/:id", s.get)
	g.PUT("/:id", s.replace)
	g.DELETE("/:id", s.delete)
}

func (s *attachmentServer) upload(c *gin.Context) {
	// 1. Spool the multipart file to disk
	raw, cleanup, err := s.receive(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer cleanup()

	// 2. Run it through the pipeline
	rec, err := s.pipeline.Upload(c.Request.Context(), raw)
	if err != nil {
		s.fail(c, err)
		return
	}

	// 3. Persist the record
	id := uuid.NewString()
	if err := s.records.Save(c.Request.Context(), id, rec); err != nil {
		s.logger.Error("stored object but failed to save record", zap.String("key", rec.Path), zap.Error(err))
		s.rollback(c.Request.Context(), rec)
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "data": attachmentResponse{ID: id, Attachment: rec}})
}

func (s *attachmentServer) get(c *gin.Context) {
	id := c.Param("id")
	rec, err := s.records.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}

	rec.URL = s.pipeline.ResolveURL(rec)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": attachmentResponse{ID: id, Attachment: rec}})
}

func (s *attachmentServer) replace(c *gin.Context) {
	id := c.Param("id")

	// 1. Load the record being replaced
	old, err := s.records.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}

	// 2. Spool the new file
	raw, cleanup, err := s.receive(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer cleanup()

	// 3. Store the new object next to the old one
	rec, err := s.pipeline.Upload(c.Request.Context(), raw)
	if err != nil {
		s.fail(c, err)
		return
	}

	// 4. Point the record at the new object; the old object stays until this succeeds
	if err := s.records.Save(c.Request.Context(), id, rec); err != nil {
		s.logger.Error("stored replacement but failed to save record", zap.String("id", id), zap.String("key", rec.Path), zap.Error(err))
		s.rollback(c.Request.Context(), rec)
		s.fail(c, err)
		return
	}

	// 5. Drop the old object
	if oldKey := old.StorageKey(); oldKey != "" && oldKey != rec.StorageKey() {
		if err := s.pipeline.Delete(c.Request.Context(), old); err != nil {
			s.logger.Warn("replaced record but failed to delete previous object",
				zap.String("id", id),
				zap.String("old_key", oldKey),
				zap.String("new_key", rec.Path),
				zap.Error(err),
			)
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": attachmentResponse{ID: id, Attachment: rec}})
}

func (s *attachmentServer) delete(c *gin.Context) {
	id := c.Param("id")
	rec, err := s.records.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}

	if err := s.pipeline.Delete(c.Request.Context(), rec); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.records.Delete(c.Request.Context(), id); err != nil {
		// Retrying is safe: deleting an absent object succeeds.
		s.logger.Error("deleted object but record removal failed, record is stale",
			zap.String("id", id),
			zap.String("key", rec.Path),
			zap.Error(err),
		)
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// rollback removes an object whose record could not be saved.
func (s *attachmentServer) rollback(ctx context.Context, rec *models.Attachment) {
	if err := s.pipeline.Delete(ctx, rec); err != nil {
		s.logger.Error("failed to roll back stored object", zap.String("key", rec.Path), zap.Error(err))
	}
}

var errNoFile = fmt.Errorf("%w: multipart field \"file\" is required", service.ErrRejected)

// receive copies the "file" form field into a temp file. The returned
// cleanup removes it and is always non-nil.
func (s *attachmentServer) receive(c *gin.Context) (models.RawUpload, func(), error) {
	noop := func() {}
	if s.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBytes)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return models.RawUpload{}, noop, fmt.Errorf("%w: upload exceeds %d bytes", service.ErrRejected, tooLarge.Limit)
		}
		return models.RawUpload{}, noop, errNoFile
	}

	path, err := s.spool(fh)
	if err != nil {
		return models.RawUpload{}, noop, err
	}
	cleanup := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove spooled upload", zap.String("path", path), zap.Error(err))
		}
	}

	return models.RawUpload{
		Name:     fh.Filename,
		MimeHint: fh.Header.Get("Content-Type"),
		Size:     fh.Size,
		Path:     path,
	}, cleanup, nil
}

func (s *attachmentServer) spool(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open multipart file: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(s.tempDir, "upload_*")
	if err != nil {
		return "", fmt.Errorf("create spool file: %w", err)
	}
	path := dst.Name()

	if _, err := dst.ReadFrom(src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("spool upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close spool file: %w", err)
	}
	return path, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrRejected):
		return http.StatusBadRequest
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, storage.ErrWrite), errors.Is(err, storage.ErrDelete):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *attachmentServer) fail(c *gin.Context, err error) {
	code := statusFor(err)
	_ = c.Error(err)

	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.AbortWithStatusJSON(code, gin.H{"success": false, "error": msg})
}
