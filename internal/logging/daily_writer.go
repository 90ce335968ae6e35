// Package logging provides the file sink behind the aggregator's loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// defaultMaxBytes caps a single segment before same-day rollover kicks in.
const defaultMaxBytes = 64 << 20

// DailyWriter appends to one log segment per UTC day. Segments are named
// <stem>-YYYY-MM-DD.log next to the configured path, with a -N suffix when a
// day's segment outgrows the size cap. The configured path itself is kept as
// a symlink to the active segment so `tail -f aggregator.log` keeps working
// across rotations.
type DailyWriter struct {
	path     string
	maxBytes int64

	mu      sync.Mutex
	day     string
	segment int
	file    *os.File
	written int64
}

// NewDailyWriter opens a daily-rotating sink at path. A path of "-" disables
// file output entirely and writes are discarded.
func NewDailyWriter(path string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(path) == "-" {
		return discardCloser{}, nil
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	w := &DailyWriter{path: path, maxBytes: maxBytes}
	if err := w.roll(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *DailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *DailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// roll opens a new segment when the UTC day changed or the pending write
// would push the current segment past the cap.
func (w *DailyWriter) roll(pending int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day = today
		w.segment = 1
	case w.written+pending > w.maxBytes:
		w.segment++
	default:
		return nil
	}
	return w.open()
}

func (w *DailyWriter) open() error {
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
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	segment := fmt.Sprintf("%s-%s%s", stem, w.day, ext)
	if w.segment > 1 {
		segment = fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.segment, ext)
	}
	target := filepath.Join(dir, segment)

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log segment: %w", err)
	}
	w.file = f
	w.written = 0
	if st, err := f.Stat(); err == nil {
		w.written = st.Size()
	}
	w.relink(target)
	return nil
}

// relink points the configured path at the active segment. Symlinks can fail
// on some filesystems, in which case the configured path simply stays absent.
func (w *DailyWriter) relink(target string) {
	if info, err := os.Lstat(w.path); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(w.path); err == nil && dest == target {
				return
			}
		}
		_ = os.Remove(w.path)
	}
	_ = os.Symlink(target, w.path)
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
