package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/s3upload/internal/models"
)

// Handles exposes the coordinator through the host's hook contract: a record
// or false, never an error or a panic.
type Handles struct {
	coord  *Coordinator
	logger *zap.Logger
}

func NewHandles(coord *Coordinator, logger *zap.Logger) *Handles {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handles{coord: coord, logger: logger}
}

func (h *Handles) UploadHandle(ctx context.Context, raw models.RawUpload) (rec *models.Attachment, ok bool) {
	defer h.recoverHook("upload", func() { rec, ok = nil, false })

	rec, err := h.coord.Upload(ctx, raw)
	if err != nil {
		h.logFailure("upload", raw.Name, err)
		return nil, false
	}
	return rec, true
}

func (h *Handles) AttachmentURLHandle(rec *models.Attachment) (url string) {
	defer h.recoverHook("attachment url", func() { url = "" })
	return h.coord.ResolveURL(rec)
}

func (h *Handles) ReplaceHandle(ctx context.Context, old *models.Attachment, raw models.RawUpload) (rec *models.Attachment, ok bool) {
	defer h.recoverHook("replace", func() { rec, ok = nil, false })

	rec, err := h.coord.Replace(ctx, old, raw)
	if err != nil {
		h.logFailure("replace", raw.Name, err)
		return nil, false
	}
	return rec, true
}

func (h *Handles) DeleteHandle(ctx context.Context, rec *models.Attachment) (ok bool) {
	defer h.recoverHook("delete", func() { ok = false })

	if err := h.coord.Delete(ctx, rec); err != nil {
		h.logFailure("delete", rec.StorageKey(), err)
		return false
	}
	return true
}

func (h *Handles) logFailure(op, subject string, err error) {
	if errors.Is(err, ErrRejected) {
		h.logger.Info(op+" rejected", zap.String("subject", subject), zap.Error(err))
		return
	}
	h.logger.Error(op+" failed", zap.String("subject", subject), zap.Error(err))
}

func (h *Handles) recoverHook(op string, reset func()) {
	if r := recover(); r != nil {
		h.logger.Error(op+" panicked", zap.Error(fmt.Errorf("%v", r)), zap.Stack("stack"))
		reset()
	}
}
