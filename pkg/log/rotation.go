// Log file rotation for long-running drive sessions
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotatingFileWriter implements io.Writer, shifting the file to numbered
// backups (name.1 is newest) once it would grow past MaxSize.
type RotatingFileWriter struct {
	mu          sync.Mutex
	filename    string
	maxSize     int64
	maxBackups  int
	currentSize int64
	file        *os.File
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	// Filename is the path to the log file.
	Filename string

	// MaxSize is the maximum size in megabytes before rotation. Default 10.
	MaxSize int

	// MaxBackups is the number of old files to retain. Default 5.
	MaxBackups int

	// maxBytes overrides MaxSize; tests use it to rotate small files.
	maxBytes int64
}

// NewRotatingFileWriter creates a new rotating file writer.
func NewRotatingFileWriter(config RotationConfig) (*RotatingFileWriter, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("log: filename is required")
	}
	maxSize := int64(config.MaxSize) * 1024 * 1024
	if config.maxBytes > 0 {
		maxSize = config.maxBytes
	}
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	maxBackups := config.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}

	w := &RotatingFileWriter{
		filename:   config.Filename,
		maxSize:    maxSize,
		maxBackups: maxBackups,
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingFileWriter) openFile() error {
	if err := os.MkdirAll(filepath.Dir(w.filename), 0755); err != nil {
		return fmt.Errorf("log: create directory: %w", err)
	}
	f, err := os.OpenFile(w.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("log: open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("log: stat file: %w", err)
	}
	w.file = f
	w.currentSize = info.Size()
	return nil
}

// Write implements io.Writer.
func (w *RotatingFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSize > 0 && w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.currentSize += int64(n)
	return n, err
}

func (w *RotatingFileWriter) backupName(i int) string {
	return fmt.Sprintf("%s.%d", w.filename, i)
}

func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("log: close for rotation: %w", err)
	}
	_ = os.Remove(w.backupName(w.maxBackups))
	for i := w.maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(w.backupName(i), w.backupName(i+1))
	}
	if err := os.Rename(w.filename, w.backupName(1)); err != nil {
		_ = w.openFile()
		return fmt.Errorf("log: rotate: %w", err)
	}
	return w.openFile()
}

// Close closes the current file.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// CurrentSize returns the size of the active file.
func (w *RotatingFileWriter) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentSize
}

// AttachFile tees l's output, and that of every logger sharing it, to a
// rotating file. Colors are disabled since both streams get the same bytes.
func AttachFile(l *Logger, config RotationConfig) (io.Closer, error) {
	fw, err := NewRotatingFileWriter(config)
	if err != nil {
		return nil, err
	}
	l.out.mu.Lock()
	l.out.writer = io.MultiWriter(l.out.writer, fw)
	l.out.colorize = false
	l.out.mu.Unlock()
	return fw, nil
}
