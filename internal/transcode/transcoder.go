// Package transcode re-encodes large raster uploads to lossy WebP.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"runtime"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/webp"
	"go.uber.org/zap"
	"golang.org/x/image/bmp"
	"golang.org/x/sync/semaphore"
)

const (
	// MinSourceSize is the size a source must exceed to be worth re-encoding.
	MinSourceSize = 100 * 1024

	DefaultQuality = 85

	// DefaultMaxPixels bounds width*height of a source before it is decoded.
	DefaultMaxPixels = 50_000_000

	OutputMime      = "image/webp"
	OutputExtension = "webp"

	// TempPattern names transcode output files; see os.CreateTemp.
	TempPattern = "webp_*.webp"
)

// ErrTooManyPixels is reported through Outcome.Cause for sources whose
// declared dimensions exceed the pixel budget.
var ErrTooManyPixels = errors.New("image dimensions exceed pixel limit")

// SkipReason says why a source was not eligible for transcoding.
type SkipReason string

const (
	SkipNotImage SkipReason = "not_image"
	SkipDisabled SkipReason = "disabled"
	SkipTooSmall SkipReason = "too_small"
)

// Config is the per-call compression setting.
type Config struct {
	Enabled bool
	Quality int
	// TempDir holds output files; "" means os.TempDir().
	TempDir string
	// MaxPixels caps width*height of decoded sources; 0 means DefaultMaxPixels.
	MaxPixels int64
}

func (c Config) EffectiveMaxPixels() int64 {
	if c.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return c.MaxPixels
}

// EffectiveQuality clamps Quality into 1..100, treating 0 as DefaultQuality.
func (c Config) EffectiveQuality() int {
	switch {
	case c.Quality == 0:
		return DefaultQuality
	case c.Quality < 1:
		return 1
	case c.Quality > 100:
		return 100
	}
	return c.Quality
}

// Outcome is the result of one TryTranscode call. When Succeeded is true the
// caller owns the file at Path and must remove it, see Cleanup.
type Outcome struct {
	Succeeded bool
	Path      string
	Mime      string
	Size      int64

	// Skip is set when the source was not eligible. No file was created.
	Skip SkipReason
	// Cause is set when an eligible source could not be transcoded.
	Cause error
}

// Cleanup removes the output file, if any.
func (o Outcome) Cleanup() error {
	if o.Path == "" {
		return nil
	}
	if err := os.Remove(o.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type decodeFunc func(io.Reader) (image.Image, error)

type configFunc func(io.Reader) (image.Config, error)

type encodeFunc func(w io.Writer, img image.Image, quality int) error

type format struct {
	decode decodeFunc
	config configFunc
	// expand converts paletted and alpha sources to non-premultiplied RGBA
	// before encoding so transparency survives.
	expand bool
}

var formats = map[string]format{
	"image/jpeg": {decode: decodeJPEG, config: jpeg.DecodeConfig},
	"image/jpg":  {decode: decodeJPEG, config: jpeg.DecodeConfig},
	"image/png":  {decode: png.Decode, config: png.DecodeConfig, expand: true},
	"image/gif":  {decode: gif.Decode, config: gif.DecodeConfig, expand: true},
	"image/bmp":  {decode: bmp.Decode, config: bmp.DecodeConfig},
	"image/webp": {decode: webp.Decode, config: webp.DecodeConfig, expand: true},
}

// IsRasterImage reports whether mime is one of the transcodable raster types.
func IsRasterImage(mime string) bool {
	_, ok := formats[mime]
	return ok
}

func decodeJPEG(r io.Reader) (image.Image, error) {
	return imaging.Decode(r, imaging.AutoOrientation(true))
}

func encodeWebP(w io.Writer, img image.Image, quality int) error {
	return webp.Encode(w, img, webp.Options{Quality: quality})
}

type Transcoder struct {
	logger *zap.Logger
	sem    *semaphore.Weighted
	encode encodeFunc
}

// NewTranscoder limits concurrent encodes to maxConcurrent, or to the number
// of CPUs when maxConcurrent <= 0.
func NewTranscoder(logger *zap.Logger, maxConcurrent int) *Transcoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}
	return &Transcoder{
		logger: logger,
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
		encode: encodeWebP,
	}
}

// TryTranscode re-encodes the image at src when it is eligible. Inability to
// decode or encode is reported through Outcome.Cause; a returned error means
// an I/O failure such as an unreadable source or no usable temp directory.
func (t *Transcoder) TryTranscode(ctx context.Context, src, mimeType string, cfg Config) (Outcome, error) {
	f, ok := formats[mimeType]
	if !ok {
		return Outcome{Skip: SkipNotImage}, nil
	}
	if !cfg.Enabled {
		return Outcome{Skip: SkipDisabled}, nil
	}

	info, err := os.Stat(src)
	if err != nil {
		return Outcome{}, fmt.Errorf("stat source: %w", err)
	}
	if info.Size() <= MinSourceSize {
		return Outcome{Skip: SkipTooSmall}, nil
	}

	if err := t.sem.Acquire(ctx, 1); err != nil {
		return Outcome{}, fmt.Errorf("wait for encoder: %w", err)
	}
	defer t.sem.Release(1)

	img, err := decodeFile(src, f, cfg.EffectiveMaxPixels())
	if err != nil {
		return Outcome{Cause: err}, nil
	}

	return t.writeTemp(img, cfg, info.Size())
}

// decodeFile reads the header first so that oversized sources are refused
// before any pixel buffer is allocated.
func decodeFile(src string, f format, maxPixels int64) (image.Image, error) {
	file, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer file.Close()

	hdr, err := f.config(file)
	if err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if pixels := int64(hdr.Width) * int64(hdr.Height); pixels > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrTooManyPixels, hdr.Width, hdr.Height)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind source: %w", err)
	}

	img, err := f.decode(file)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if f.expand {
		img = imaging.Clone(img)
	}
	return img, nil
}

func (t *Transcoder) writeTemp(img image.Image, cfg Config, srcSize int64) (out Outcome, err error) {
	tmp, err := os.CreateTemp(cfg.TempDir, TempPattern)
	if err != nil {
		return Outcome{}, fmt.Errorf("create temp file: %w", err)
	}
	path := tmp.Name()

	defer func() {
		if out.Succeeded {
			return
		}
		tmp.Close()
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			t.logger.Warn("failed to remove transcode temp file", zap.String("path", path), zap.Error(rmErr))
		}
	}()

	if err := t.encode(tmp, img, cfg.EffectiveQuality()); err != nil {
		return Outcome{Cause: fmt.Errorf("encode webp: %w", err)}, nil
	}
	if err := tmp.Close(); err != nil {
		return Outcome{Cause: fmt.Errorf("close output: %w", err)}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return Outcome{Cause: fmt.Errorf("stat output: %w", err)}, nil
	}
	if info.Size() == 0 {
		return Outcome{Cause: errors.New("encoder produced no output")}, nil
	}

	t.logger.Debug("transcoded image",
		zap.String("path", path),
		zap.Int64("source_size", srcSize),
		zap.Int64("output_size", info.Size()),
		zap.Int("quality", cfg.EffectiveQuality()),
	)

	return Outcome{
		Succeeded: true,
		Path:      path,
		Mime:      OutputMime,
		Size:      info.Size(),
	}, nil
}
