package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/vhd-provisioner/interfaces"
)

// FileSource serves update packages from a local or mounted directory.
type FileSource struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileSource creates a source reading from baseDir. The directory does not
// need to exist yet; Available reports whether it does.
func NewFileSource(baseDir string, log *slog.Logger) *FileSource {
	return &FileSource{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", filepath.ToSlash(baseDir)),
	}
}

// Fetch reads name relative to the base directory. Returns
// ErrContentNotFound if the file doesn't exist.
func (s *FileSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	path, err := contained(s.baseDir, name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	s.log.Debug("Fetched artifact from file",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return data, nil
}

// Available checks the base directory exists.
func (s *FileSource) Available(ctx context.Context) bool {
	info, err := os.Stat(s.baseDir)
	if err != nil {
		s.log.Debug("File source unavailable", "err", err)
		return false
	}
	return info.IsDir()
}

func (s *FileSource) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

func (s *FileSource) LocationURI() string {
	return s.locationURI
}
