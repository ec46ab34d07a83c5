package screen

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"castlink/logging"
	"castlink/models"
)

// LatestFrameName is the file FrameRecorder keeps up to date.
const LatestFrameName = "latest.jpg"

// FrameRecorder stores the most recent received frame on disk. It stands in
// for a presentation surface on the Controller.
type FrameRecorder struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	frames int
	bytes  int
}

// NewFrameRecorder writes frames to dir/latest.jpg.
func NewFrameRecorder(dir string, logger *zap.Logger) *FrameRecorder {
	return &FrameRecorder{
		path:   filepath.Join(dir, LatestFrameName),
		logger: logging.OrNop(logger),
	}
}

// Path returns the file frames are written to.
func (r *FrameRecorder) Path() string { return r.path }

// OnFrame replaces the recorded frame. Write errors are logged.
func (r *FrameRecorder) OnFrame(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames++
	r.bytes += len(data)
	if err := writeFileAtomic(r.path, data); err != nil {
		r.logger.Warn("record frame", zap.Error(err))
	}
}

// Counts returns the number of frames and payload bytes seen.
func (r *FrameRecorder) Counts() (frames, bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames, r.bytes
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".frame-*")
	if err != nil {
		return fmt.Errorf("create temp frame: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp frame: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace frame: %w", err)
	}
	return nil
}

// InputLogger logs pointer events received by the Source. Injecting them
// into the OS is platform specific and left to embedders.
type InputLogger struct {
	logger *zap.Logger

	mu    sync.Mutex
	count int
	last  models.Motion
}

// NewInputLogger returns an InputLogger writing to logger.
func NewInputLogger(logger *zap.Logger) *InputLogger {
	return &InputLogger{logger: logging.OrNop(logger)}
}

// OnMotion records one pointer event.
func (l *InputLogger) OnMotion(action, x, y int32) {
	l.mu.Lock()
	l.count++
	l.last = models.Motion{Action: action, X: x, Y: y}
	l.mu.Unlock()

	l.logger.Debug("motion",
		zap.Int32("action", action),
		zap.Int32("x", x),
		zap.Int32("y", y),
	)
}

// Last returns the most recent motion and the total received.
func (l *InputLogger) Last() (models.Motion, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.count
}
