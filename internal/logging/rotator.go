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

// FileRotator is an io.Writer over the log file that rotates by size and by
// day. Rotated files are renamed <name>-<timestamp><ext>, optionally gzipped,
// and pruned by MaxBackups and MaxAge.
type FileRotator struct {
	config *Config
	now    func() time.Time

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time
	wg     sync.WaitGroup
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	r := &FileRotator{config: cfg, now: time.Now}

	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) openFile() error {
	file, err := os.OpenFile(r.config.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	r.file = file
	r.size = info.Size()
	r.opened = r.now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.openFile(); err != nil {
			return 0, err
		}
	}

	if r.shouldRotate(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) shouldRotate(writeSize int64) bool {
	if r.size == 0 {
		return false
	}
	if limit := r.config.MaxSize * 1024 * 1024; limit > 0 && r.size+writeSize > limit {
		return true
	}
	y1, m1, d1 := r.opened.Date()
	y2, m2, d2 := r.now().Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	rotated := r.rotatedName(r.now())
	if err := os.Rename(r.config.FilePath, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}

	if err := r.openFile(); err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if r.config.Compress {
			compressFile(rotated)
		}
		r.prune()
	}()
	return nil
}

// rotatedName returns a path that does not exist yet for a file rotated at t.
func (r *FileRotator) rotatedName(t time.Time) string {
	dir, name, ext := r.parts()
	stamp := t.Format("20060102-150405")
	path := filepath.Join(dir, fmt.Sprintf("%s-%s%s", name, stamp, ext))
	for i := 1; fileExists(path) || fileExists(path+".gz"); i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s-%s.%d%s", name, stamp, i, ext))
	}
	return path
}

func (r *FileRotator) parts() (dir, name, ext string) {
	base := filepath.Base(r.config.FilePath)
	ext = filepath.Ext(base)
	return filepath.Dir(r.config.FilePath), strings.TrimSuffix(base, ext), ext
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// compressFile replaces path with path.gz. The original is kept if anything
// fails.
func compressFile(path string) {
	input, err := os.Open(path)
	if err != nil {
		return
	}
	defer input.Close()

	output, err := os.Create(path + ".gz")
	if err != nil {
		return
	}

	gz := gzip.NewWriter(output)
	gz.Name = filepath.Base(path)
	_, err = io.Copy(gz, input)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := output.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	input.Close()
	os.Remove(path)
}

// prune removes rotated files beyond MaxBackups or older than MaxAge days.
func (r *FileRotator) prune() {
	files, err := r.Rotated()
	if err != nil {
		return
	}

	type entry struct {
		path    string
		modTime time.Time
	}
	entries := make([]entry, 0, len(files))
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		entries = append(entries, entry{f, info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.After(entries[j].modTime)
	})

	cutoff := r.now().AddDate(0, 0, -r.config.MaxAge)
	for i, e := range entries {
		tooMany := r.config.MaxBackups > 0 && i >= r.config.MaxBackups
		tooOld := r.config.MaxAge > 0 && e.modTime.Before(cutoff)
		if tooMany || tooOld {
			os.Remove(e.path)
		}
	}
}

// Rotated lists rotated log files, compressed or not.
func (r *FileRotator) Rotated() ([]string, error) {
	dir, name, ext := r.parts()
	return filepath.Glob(filepath.Join(dir, name+"-*"+ext+"*"))
}

// Close waits for pending compression and closes the current file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.wg.Wait()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// Sync flushes the current file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Sync()
	}
	return nil
}
