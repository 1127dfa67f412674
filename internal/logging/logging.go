// Package logging builds the process logger. The terminal belongs to the UI,
// so log output goes to a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lowaak/hrmonitor/internal/config"
)

// New returns a logger writing to cfg.File, and the writer to close on exit.
func New(cfg config.LogConfig) (*log.Logger, io.Closer, error) {
	if cfg.File == "" {
		return nil, nil, fmt.Errorf("log file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return log.New(writer, "", log.LstdFlags|log.Lmicroseconds), writer, nil
}

// Tee also copies every log line to w, which the UI uses for its log pane.
func Tee(logger *log.Logger, w io.Writer) {
	logger.SetOutput(io.MultiWriter(logger.Writer(), w))
}
