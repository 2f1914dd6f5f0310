// Package fsutil provides path-confinement and tree helpers for code that
// serves files out of workspaces and agent bundles.
package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrEscapesRoot is returned for absolute paths or paths that resolve
	// outside the root they were joined against.
	ErrEscapesRoot = errors.New("path escapes root")
	// ErrTooLarge is returned by ReadCapped when the file exceeds the cap.
	ErrTooLarge = errors.New("file too large")
	// ErrIsDirectory is returned by ReadCapped for directories.
	ErrIsDirectory = errors.New("path is a directory")
)

// SafeJoin joins rel onto root, rejecting absolute paths and any traversal
// that would land outside root.
func SafeJoin(root, rel string) (string, error) {
	rel = filepath.FromSlash(rel)
	if rel == "" || filepath.IsAbs(rel) {
		return "", ErrEscapesRoot
	}
	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrEscapesRoot
	}
	return filepath.Join(root, cleaned), nil
}

// Entry describes one file or directory in a tree listing. Path is relative
// to the listing root, slash-separated.
type Entry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Dir     bool      `json:"dir"`
	ModTime time.Time `json:"modTime"`
}

// ListTree walks root and returns its entries in lexical order. skipDir and
// skipFile filter by base name; either may be nil. Symlinks and other
// irregular files are omitted.
func ListTree(root string, skipDir, skipFile func(name string) bool) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if skipDir != nil && skipDir(d.Name()) {
				return fs.SkipDir
			}
		} else {
			if !d.Type().IsRegular() {
				return nil
			}
			if skipFile != nil && skipFile(d.Name()) {
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			Dir:     d.IsDir(),
			ModTime: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ReadCapped reads a regular file, failing with ErrTooLarge when it exceeds
// max bytes. The size check happens before the read so a growing file cannot
// blow past the cap unnoticed.
func ReadCapped(path string, max int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrIsDirectory
	}
	if max > 0 && info.Size() > max {
		return nil, ErrTooLarge
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if max <= 0 {
		return io.ReadAll(f)
	}
	data, err := io.ReadAll(io.LimitReader(f, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, ErrTooLarge
	}
	return data, nil
}

// CopyTree recursively copies src into dst, preserving file modes. Symlinks
// and other irregular entries are skipped.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
