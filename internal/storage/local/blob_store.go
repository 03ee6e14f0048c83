// Package local keeps fetched payloads on disk, for development and single-host runs.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Config names the payload directory.
type Config struct {
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes payloads beneath a root directory. Payload names carry a
// content hash, so a name that already exists is treated as stored.
type BlobStore struct {
	root string
}

// New prepares root, creating it when missing.
func New(cfg Config) (*BlobStore, error) {
	root := strings.TrimSpace(cfg.BaseDir)
	if root == "" {
		return nil, errors.New("local payload directory is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create payload directory: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat payload directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("payload directory %s is not a directory", root)
	}
	return &BlobStore{root: root}, nil
}

// PutObject stores the payload at name and returns its file:// URI.
func (s *BlobStore) PutObject(ctx context.Context, name, _ string, r io.Reader) (string, error) {
	dest, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	uri := "file://" + dest
	if _, err := os.Stat(dest); err == nil {
		return uri, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("stat payload: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put payload: %w", err)
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create payload dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("create temp payload: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close payload: %w", err)
	}
	// Readers never observe a half-written payload.
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("publish payload: %w", err)
	}
	return uri, nil
}

func (s *BlobStore) resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("payload name is required")
	}
	dest := filepath.Join(s.root, filepath.FromSlash(name))
	if !strings.HasPrefix(dest, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("payload name %q escapes the payload directory", name)
	}
	return dest, nil
}
