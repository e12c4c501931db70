package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/MeKo-Tech/docsort/internal/document"
)

// Local stores files below a root directory.
type Local struct {
	root string
}

var _ Storage = (*Local)(nil)

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, errors.New("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &document.StorageError{Op: "init", Path: root, Err: err}
	}
	return &Local{root: root}, nil
}

// Root returns the root directory.
func (l *Local) Root() string { return l.root }

func (l *Local) resolve(p string) (string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes the storage root", p)
		}
	}
	return filepath.Join(l.root, filepath.FromSlash(clean(p))), nil
}

// clean normalizes p to a relative slash path.
func clean(p string) string {
	return strings.Trim(path.Clean("/"+strings.ReplaceAll(p, `\`, "/")), "/")
}

func (l *Local) CreateFolder(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := l.resolve(p)
	if err != nil {
		return &document.StorageError{Op: "create folder", Path: p, Err: err, Permanent: true}
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return &document.StorageError{Op: "create folder", Path: p, Err: err}
	}
	return nil
}

// PutFile writes data to p, replacing an existing file atomically, and
// returns p as the locator.
func (l *Local) PutFile(ctx context.Context, p string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := l.resolve(p)
	if err != nil {
		return "", &document.StorageError{Op: "put", Path: p, Err: err, Permanent: true}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", &document.StorageError{Op: "put", Path: p, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", &document.StorageError{Op: "put", Path: p, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", &document.StorageError{Op: "put", Path: p, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", &document.StorageError{Op: "put", Path: p, Err: err}
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return "", &document.StorageError{Op: "put", Path: p, Err: err}
	}
	slog.Debug("Stored file", "path", p, "bytes", len(data))
	return clean(p), nil
}

// ListFolder lists the direct children of p sorted by name. Temporary
// upload files are skipped.
func (l *Local) ListFolder(ctx context.Context, p string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := l.resolve(p)
	if err != nil {
		return nil, &document.StorageError{Op: "list", Path: p, Err: err, Permanent: true}
	}
	dirents, err := os.ReadDir(full)
	if err != nil {
		return nil, &document.StorageError{Op: "list", Path: p, Err: err}
	}
	base := clean(p)
	out := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), ".upload-") {
			continue
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, &document.StorageError{Op: "list", Path: p, Err: err}
		}
		out = append(out, Entry{
			Name:    d.Name(),
			Path:    path.Join(base, d.Name()),
			IsDir:   d.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// DeleteFile removes the file at locator. A missing file is not an error.
func (l *Local) DeleteFile(ctx context.Context, locator string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := l.resolve(locator)
	if err != nil {
		return &document.StorageError{Op: "delete", Path: locator, Err: err, Permanent: true}
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &document.StorageError{Op: "delete", Path: locator, Err: err}
	}
	return nil
}

func (l *Local) ReadFile(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := l.resolve(locator)
	if err != nil {
		return nil, &document.StorageError{Op: "read", Path: locator, Err: err, Permanent: true}
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, &document.StorageError{Op: "read", Path: locator, Err: err}
	}
	return data, nil
}

// Exists reports whether locator names an existing file.
func (l *Local) Exists(locator string) bool {
	full, err := l.resolve(locator)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && !info.IsDir()
}
