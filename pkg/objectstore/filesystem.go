package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FSStore stores objects as files under <root>/<bucket>/<key>
type FSStore struct {
	root   string
	bucket string
}

// NewFSStore creates a filesystem-backed store rooted at rootDir
func NewFSStore(rootDir, bucket string) (*FSStore, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) {
		return nil, fmt.Errorf("invalid bucket name %q", bucket)
	}
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &FSStore{root: rootDir, bucket: bucket}, nil
}

func (s *FSStore) bucketDir() string {
	return filepath.Join(s.root, s.bucket)
}

func (s *FSStore) objectPath(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || strings.HasSuffix(key, "/") || clean != "/"+key {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.bucketDir(), filepath.FromSlash(key)), nil
}

// Put implements Store
func (s *FSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	// Write to a temp file and rename so readers never see partial objects
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit object: %w", err)
	}
	return nil
}

// Remove implements Store
func (s *FSStore) Remove(ctx context.Context, key string) error {
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// BucketExists implements Store
func (s *FSStore) BucketExists(ctx context.Context) (bool, error) {
	info, err := os.Stat(s.bucketDir())
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat bucket: %w", err)
	}
	return info.IsDir(), nil
}

// EnsureBucket implements Store
func (s *FSStore) EnsureBucket(ctx context.Context) error {
	if err := os.MkdirAll(s.bucketDir(), 0755); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// List implements Store
func (s *FSStore) List(ctx context.Context, prefix string, recursive bool) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		base := s.bucketDir()
		start := base
		if i := strings.LastIndex(prefix, "/"); i >= 0 {
			start = filepath.Join(base, filepath.FromSlash(prefix[:i]))
		}

		seen := make(map[string]bool)
		stop := errors.New("stop")
		err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && p == start {
					return fs.SkipAll
				}
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
				return nil
			}

			rel, err := filepath.Rel(base, p)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if !strings.HasPrefix(key, prefix) {
				return nil
			}

			if !recursive {
				if i := strings.Index(key[len(prefix):], "/"); i >= 0 {
					cp := key[:len(prefix)+i+1]
					if seen[cp] {
						return nil
					}
					seen[cp] = true
					if !yield(Entry{CommonPrefix: cp}, nil) {
						return stop
					}
					return nil
				}
			}

			info, err := d.Info()
			if err != nil {
				return err
			}
			if !yield(Entry{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil) {
				return stop
			}
			return nil
		})
		if err != nil && !errors.Is(err, stop) {
			yield(Entry{}, fmt.Errorf("failed to list objects: %w", err))
		}
	}
}
