package video

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FilePreview keeps the most recent frame as a JPEG file on disk, so that any
// image viewer that reloads on change can act as a live preview. Detach
// removes the file.
type FilePreview struct {
	Path   string
	Logger *slog.Logger

	mu sync.Mutex
}

var _ Preview = (*FilePreview)(nil)

// Show atomically replaces the preview file with f.
func (fp *FilePreview) Show(f Frame) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if err := fp.write(f.Data); err != nil {
		fp.logger().Warn("video: preview write failed", "path", fp.Path, "err", err)
	}
}

// Detach removes the preview file.
func (fp *FilePreview) Detach() {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if err := os.Remove(fp.Path); err != nil && !os.IsNotExist(err) {
		fp.logger().Warn("video: preview remove failed", "path", fp.Path, "err", err)
	}
}

func (fp *FilePreview) write(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(fp.Path), ".preview-*.jpg")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	return os.Rename(tmp.Name(), fp.Path)
}

func (fp *FilePreview) logger() *slog.Logger {
	if fp.Logger != nil {
		return fp.Logger
	}
	return slog.Default()
}
