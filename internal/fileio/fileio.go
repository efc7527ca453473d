// Package fileio implements the read_file and write_file commands consumers
// use to load and persist module data.
package fileio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrEscapesModule is reported when a module-relative path points outside
// its module directory.
var ErrEscapesModule = errors.New("path escapes module directory")

// Result is returned to consumers for every file command. On a successful
// read Message holds the file content; on a successful write it is empty;
// on failure it holds the error text.
type Result struct {
	Successful bool   `json:"successful"`
	Path       string `json:"path"`
	Message    string `json:"message"`
}

// ReadRequest is the read_file command.
type ReadRequest struct {
	Path            string `json:"path"`
	UseRelativePath bool   `json:"use_relative_path"`
	ModuleName      string `json:"module_name"`
}

// WriteRequest is the write_file command.
type WriteRequest struct {
	Content         string `json:"content"`
	Path            string `json:"path"`
	AppendMode      bool   `json:"append_mode"`
	UseRelativePath bool   `json:"use_relative_path"`
	ModuleName      string `json:"module_name"`
}

// Service resolves module-relative paths under ModulesDir.
type Service struct {
	modulesDir string
	log        *slog.Logger
}

// New returns a Service rooted at modulesDir.
func New(modulesDir string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{modulesDir: modulesDir, log: log.With("component", "fileio")}
}

// ModulesDir returns the directory module-relative paths resolve under.
func (s *Service) ModulesDir() string {
	return s.modulesDir
}

// Resolve returns the final path for a command. Relative paths become
// <modules_dir>/<module>/<path>; absolute requests are returned unchanged.
func (s *Service) Resolve(path string, relative bool, module string) (string, error) {
	if !relative {
		return path, nil
	}
	if module == "" || !filepath.IsLocal(module) {
		return filepath.Join(s.modulesDir, module, path), fmt.Errorf("%w: module %q", ErrEscapesModule, module)
	}
	final := filepath.Join(s.modulesDir, module, path)
	if !filepath.IsLocal(path) {
		return final, fmt.Errorf("%w: %q", ErrEscapesModule, path)
	}
	return final, nil
}

// Read returns the content of the requested file.
func (s *Service) Read(req ReadRequest) Result {
	path, err := s.Resolve(req.Path, req.UseRelativePath, req.ModuleName)
	if err != nil {
		return failure(path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.log.Debug("read failed", "path", path, "error", err)
		return failure(path, err)
	}
	return Result{Successful: true, Path: path, Message: string(data)}
}

// Write stores req.Content, creating parent directories as needed. The file
// is truncated unless AppendMode is set.
func (s *Service) Write(req WriteRequest) Result {
	path, err := s.Resolve(req.Path, req.UseRelativePath, req.ModuleName)
	if err != nil {
		return failure(path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return failure(path, err)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if req.AppendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return failure(path, err)
	}
	if _, err := f.WriteString(req.Content); err != nil {
		f.Close()
		return failure(path, err)
	}
	if err := f.Close(); err != nil {
		return failure(path, err)
	}
	return Result{Successful: true, Path: path}
}

func failure(path string, err error) Result {
	return Result{Path: path, Message: err.Error()}
}
