// Package logging provides file-backed loggers with daily and size-based
// rotation.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes caps a single log file before rolling over within a day.
const DefaultMaxBytes int64 = 64 << 20

// Writer is an io.WriteCloser that rotates the underlying file on UTC
// day boundaries and when a write would push the file past maxBytes.
// Files are named <base>-YYYY-MM-DD.log, with a -N suffix for same-day
// rollovers.
type Writer struct {
	path     string
	maxBytes int64

	mu    sync.Mutex
	day   string
	index int
	file  *os.File
	size  int64
}

// NewWriter opens a rotating writer rooted at path. A path of "-"
// discards all output.
func NewWriter(path string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(path) == "-" {
		return discardCloser{}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	w := &Writer{path: path, maxBytes: maxBytes}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(0); err != nil {
		return nil, err
	}
	return w, nil
}

// NewLogger builds a *log.Logger with the given prefix that writes to
// both stderr and a rotating file at path. The returned closer shuts
// down the file writer.
func NewLogger(prefix, path string, maxBytes int64) (*log.Logger, io.Closer, error) {
	w, err := NewWriter(path, maxBytes)
	if err != nil {
		return nil, nil, err
	}
	out := io.MultiWriter(os.Stderr, w)
	return log.New(out, prefix, log.LstdFlags|log.Lmicroseconds), w, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// roll opens a new file when the UTC day changed or when writing
// incoming bytes would exceed the size cap. Callers hold w.mu.
func (w *Writer) roll(incoming int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day = today
		w.index = 1
	case w.size+incoming > w.maxBytes:
		w.index++
	default:
		return nil
	}
	return w.open()
}

func (w *Writer) open() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	name := filepath.Base(w.path)
	ext := filepath.Ext(name)
	if ext == "" {
		ext = ".log"
	}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	target := fmt.Sprintf("%s-%s%s", stem, w.day, ext)
	if w.index > 1 {
		target = fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.index, ext)
	}
	full := filepath.Join(dir, target)
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	var size int64
	if st, serr := f.Stat(); serr == nil {
		size = st.Size()
	}
	w.file = f
	w.size = size
	w.relink(full)
	return nil
}

// relink keeps w.path pointing at the active file so tail -F on the
// stable name follows rotation.
func (w *Writer) relink(target string) {
	if info, err := os.Lstat(w.path); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, derr := os.Readlink(w.path); derr == nil && dest == target {
				return
			}
		}
		_ = os.Remove(w.path)
	}
	if os.Symlink(target, w.path) == nil {
		return
	}
	_ = os.Link(target, w.path)
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
