package audio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LocalStorage keeps recordings on the local filesystem below a root directory.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates the root directory if needed.
func NewLocalStorage(root string) (*LocalStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve audio root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create audio root %q: %w", abs, err)
	}
	return &LocalStorage{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *LocalStorage) Root() string {
	return s.root
}

func (s *LocalStorage) resolve(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid audio key %q", key)
	}
	return filepath.Join(s.root, cleaned), nil
}

// Exists implements Storage.
func (s *LocalStorage) Exists(_ context.Context, key string) (bool, error) {
	full, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// Write implements Storage using a temporary file renamed into place.
func (s *LocalStorage) Write(_ context.Context, key string, data []byte) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create audio directory: %w", err)
	}

	tmp := full + ".part-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp audio file: %w", err)
	}
	written, writeErr := f.Write(data)
	if writeErr == nil {
		writeErr = f.Sync()
	}
	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr == nil && written != len(data) {
		writeErr = fmt.Errorf("short write: %d of %d bytes", written, len(data))
	}
	if writeErr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write audio file: %w", writeErr)
	}

	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("move audio file into place: %w", err)
	}
	return nil
}

// Size implements Storage.
func (s *LocalStorage) Size(_ context.Context, key string) (int64, error) {
	full, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrObjectNotFound
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Remove implements Storage.
func (s *LocalStorage) Remove(_ context.Context, key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveDirIfEmpty implements Storage.
func (s *LocalStorage) RemoveDirIfEmpty(_ context.Context, dir string) error {
	full, err := s.resolve(dir)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return nil
	}
	return os.Remove(full)
}
