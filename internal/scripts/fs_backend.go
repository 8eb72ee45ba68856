package scripts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FSBackend stores objects as files below a bucket directory.
type FSBackend struct {
	root string
}

// NewFSBackend creates the bucket directory when missing.
func NewFSBackend(root string) (*FSBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create bucket %s: %w", ErrUnavailable, root, err)
	}
	return &FSBackend{root: root}, nil
}

func (b *FSBackend) Name() string {
	return "fs:" + b.root
}

func (b *FSBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *FSBackend) PutObject(ctx context.Context, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := b.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (b *FSBackend) GetObject(ctx context.Context, key string) ([]byte, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, err
	}
	p := b.path(key)
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, time.Time{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	body, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, time.Time{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, time.Time{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return body, info.ModTime().UTC(), nil
}

// ListObjects lists the files directly under prefix. Temporary files from
// in-flight writes are skipped.
func (b *FSBackend) ListObjects(ctx context.Context, prefix string, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(b.root); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	dir := strings.TrimSuffix(prefix, "/")
	entries, err := os.ReadDir(b.path(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var out []Entry
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Key:          dir + "/" + e.Name(),
			Size:         info.Size(),
			LastModified: info.ModTime().UTC(),
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
