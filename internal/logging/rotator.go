package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.Writer that rotates its file when it exceeds
// MaxSize megabytes or the day changes. Rotated files are renamed to
// name-YYYYMMDD-HHMMSS.ext and optionally gzipped.
type FileRotator struct {
	config *Config

	mu       sync.Mutex
	file     *os.File
	size     int64
	openedAt time.Time

	// background compression and cleanup
	bg sync.WaitGroup
}

// NewFileRotator opens cfg.FilePath for appending.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	r := &FileRotator{config: cfg}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file, r.size, r.openedAt = f, info.Size(), time.Now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.due(int64(len(p)), time.Now()) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) due(incoming int64, now time.Time) bool {
	if max := r.config.MaxSize * 1024 * 1024; max > 0 && r.size+incoming > max {
		return true
	}
	y1, m1, d1 := r.openedAt.Date()
	y2, m2, d2 := now.Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

// nameParts splits the log path into directory, stem and extension.
func (r *FileRotator) nameParts() (dir, stem, ext string) {
	dir = filepath.Dir(r.config.FilePath)
	base := filepath.Base(r.config.FilePath)
	ext = filepath.Ext(base)
	return dir, strings.TrimSuffix(base, ext), ext
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	dir, stem, ext := r.nameParts()
	rotated := filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, time.Now().Format("20060102-150405"), ext))
	if err := os.Rename(r.config.FilePath, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		if r.config.Compress {
			compress(rotated)
		}
		r.prune()
	}()
	return nil
}

// compress replaces path with path.gz.
func compress(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)

	_, err = io.Copy(gz, in)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// RotatedFiles returns rotated files, oldest first.
func (r *FileRotator) RotatedFiles() ([]string, error) {
	dir, stem, ext := r.nameParts()
	matches, err := filepath.Glob(filepath.Join(dir, stem+"-*"+ext+"*"))
	if err != nil {
		return nil, err
	}

	type entry struct {
		path string
		mod  time.Time
	}
	entries := make([]entry, 0, len(matches))
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil {
			entries = append(entries, entry{m, info.ModTime()})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mod.Before(entries[j].mod) })

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.path
	}
	return out, nil
}

// prune enforces MaxBackups and MaxAge.
func (r *FileRotator) prune() {
	files, err := r.RotatedFiles()
	if err != nil {
		return
	}

	if r.config.MaxBackups > 0 && len(files) > r.config.MaxBackups {
		for _, f := range files[:len(files)-r.config.MaxBackups] {
			os.Remove(f)
		}
		files = files[len(files)-r.config.MaxBackups:]
	}
	if r.config.MaxAge > 0 {
		cutoff := time.Now().AddDate(0, 0, -r.config.MaxAge)
		for _, f := range files {
			if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
				os.Remove(f)
			}
		}
	}
}

// Close waits for background work and closes the file.
func (r *FileRotator) Close() error {
	r.bg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
