package worker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/PaulBabatuyi/s3upload/internal/transcode"
	"go.uber.org/zap"
)

type SweeperConfig struct {
	TempDir  string
	Interval time.Duration
	MaxAge   time.Duration
	Logger   *zap.Logger
}

// Sweeper removes transcode temp files abandoned by a crashed or killed
// process. Files younger than MaxAge may still be in flight and are left alone.
type Sweeper struct {
	config *SweeperConfig
	now    func() time.Time
	done   chan struct{}
	exited chan struct{}
}

func NewSweeper(config *SweeperConfig) *Sweeper {
	if config.Interval == 0 {
		config.Interval = 10 * time.Minute
	}
	if config.MaxAge == 0 {
		config.MaxAge = time.Hour
	}
	if config.TempDir == "" {
		config.TempDir = os.TempDir()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Sweeper{
		config: config,
		now:    time.Now,
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
	s.config.Logger.Info("temp sweeper started",
		zap.String("dir", s.config.TempDir),
		zap.Duration("interval", s.config.Interval),
	)
}

// Stop signals the loop and waits for it to exit. Start must have been called.
func (s *Sweeper) Stop() {
	close(s.done)
	<-s.exited
	s.config.Logger.Info("temp sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.exited)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass and returns how many files were removed.
func (s *Sweeper) Sweep() int {
	matches, err := filepath.Glob(filepath.Join(s.config.TempDir, transcode.TempPattern))
	if err != nil {
		s.config.Logger.Warn("temp sweep glob failed", zap.Error(err))
		return 0
	}

	cutoff := s.now().Add(-s.config.MaxAge)
	removed := 0
	for _, path := range matches {
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.config.Logger.Warn("failed to remove stale temp file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		s.config.Logger.Info("removed stale temp files", zap.Int("count", removed))
	}
	return removed
}
