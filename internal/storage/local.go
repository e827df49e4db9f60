package storage

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

// LocalStorage implements ObjectStorage using the local filesystem.
// Objects are stored as files under a base directory, with object paths
// mapped to relative file paths.
//
// Writes go through a temp file in the target directory followed by a
// rename (Put) or link (PutIfAbsent), so concurrent readers never see
// partial content and create-if-absent is atomic.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a local storage rooted at basePath.
// The directory is created if it does not exist.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create base directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// fullPath maps an object path to its location on disk.
func (l *LocalStorage) fullPath(objectPath string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(objectPath))
}

// stageTemp writes data to a temp file in the directory that will hold
// objectPath, creating parent directories as needed. The caller must
// rename or remove the returned path.
func (l *LocalStorage) stageTemp(objectPath string, data []byte) (string, error) {
	target := l.fullPath(objectPath)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("storage: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("storage: close temp file: %w", err)
	}
	return tmp.Name(), nil
}

// Put writes data to objectPath, replacing any existing object.
func (l *LocalStorage) Put(ctx context.Context, objectPath string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := l.stageTemp(objectPath, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, l.fullPath(objectPath)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: rename temp file: %w", err)
	}
	return nil
}

// PutIfAbsent writes data to objectPath only if nothing exists there.
// The link(2) call fails with EEXIST when the target is occupied, which
// makes the create-if-absent atomic even across processes sharing the
// same directory.
func (l *LocalStorage) PutIfAbsent(ctx context.Context, objectPath string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := l.stageTemp(objectPath, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, l.fullPath(objectPath)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("storage: put %s: %w", objectPath, ErrObjectExists)
		}
		return fmt.Errorf("storage: link temp file: %w", err)
	}
	return nil
}

// Get reads the full content of the object at objectPath.
func (l *LocalStorage) Get(ctx context.Context, objectPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(l.fullPath(objectPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("storage: get %s: %w", objectPath, ErrObjectNotFound)
		}
		return nil, fmt.Errorf("storage: read object: %w", err)
	}
	return data, nil
}

// Upload copies a local file to objectPath.
func (l *LocalStorage) Upload(ctx context.Context, localPath, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("storage: open source file: %w", err)
	}
	defer src.Close()

	target := l.fullPath(objectPath)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("storage: copy to temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("storage: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("storage: rename temp file: %w", err)
	}
	return nil
}

// Download copies the object at objectPath to localPath.
func (l *LocalStorage) Download(ctx context.Context, objectPath, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(l.fullPath(objectPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("storage: download %s: %w", objectPath, ErrObjectNotFound)
		}
		return fmt.Errorf("storage: open object: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("storage: create local directory: %w", err)
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("storage: create local file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(localPath)
		return fmt.Errorf("storage: copy object: %w", err)
	}
	return nil
}

// Delete removes the object at objectPath. Missing objects are ignored.
func (l *LocalStorage) Delete(ctx context.Context, objectPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(l.fullPath(objectPath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete object: %w", err)
	}
	return nil
}

// Exists reports whether an object exists at objectPath.
func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	if _, err := os.Stat(l.fullPath(objectPath)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat object: %w", err)
	}
	return true, nil
}

// List returns info for every object whose path starts with prefix.
// Temp files from in-flight writes are skipped.
func (l *LocalStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var objects []ObjectInfo
	err := filepath.Walk(l.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasPrefix(info.Name(), ".tmp-") {
			return nil
		}

		rel, err := filepath.Rel(l.basePath, path)
		if err != nil {
			return err
		}
		objectPath := filepath.ToSlash(rel)
		if !strings.HasPrefix(objectPath, prefix) {
			return nil
		}

		objects = append(objects, ObjectInfo{
			Path:         objectPath,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list objects: %w", err)
	}
	return objects, nil
}

// Clear removes all objects. Intended for tests.
func (l *LocalStorage) Clear() error {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return fmt.Errorf("storage: read base directory: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(l.basePath, entry.Name())); err != nil {
			return fmt.Errorf("storage: remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}
