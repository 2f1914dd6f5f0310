package manager

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/ashrun/ash/internal/common/fsutil"
	"github.com/ashrun/ash/internal/errs"
	"github.com/ashrun/ash/internal/snapshot"
)

// MaxFileReadBytes caps single-file reads out of a workspace.
const MaxFileReadBytes = 1 << 20

func (m *Manager) liveWorkspace(id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return "", errs.Newf(errs.KindNotFound, "sandbox not running: %s", id)
	}
	return inst.info.WorkspaceDir, nil
}

// ReadFiles lists the live workspace tree, skipping the same directories
// snapshots skip.
func (m *Manager) ReadFiles(id string) ([]fsutil.Entry, error) {
	ws, err := m.liveWorkspace(id)
	if err != nil {
		return nil, err
	}
	entries, err := fsutil.ListTree(ws, snapshot.ExcludedDir, snapshot.ExcludedFile)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "list workspace", err)
	}
	return entries, nil
}

// ReadFile returns one workspace file. The path must be relative and stay
// inside the workspace; files over MaxFileReadBytes are refused.
func (m *Manager) ReadFile(id, path string) ([]byte, error) {
	ws, err := m.liveWorkspace(id)
	if err != nil {
		return nil, err
	}
	return ReadWorkspaceFile(ws, path)
}

// WriteFile creates or replaces one workspace file, creating parents as
// needed.
func (m *Manager) WriteFile(id, path string, data []byte) error {
	ws, err := m.liveWorkspace(id)
	if err != nil {
		return err
	}
	full, err := fsutil.SafeJoin(ws, path)
	if err != nil {
		return errs.Newf(errs.KindBadRequest, "invalid path: %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errs.Wrap(errs.KindInternal, "create parent dir", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return errs.Wrap(errs.KindInternal, "write file", err)
	}
	return nil
}

// DeleteFile removes one workspace file or directory tree.
func (m *Manager) DeleteFile(id, path string) error {
	ws, err := m.liveWorkspace(id)
	if err != nil {
		return err
	}
	full, err := fsutil.SafeJoin(ws, path)
	if err != nil {
		return errs.Newf(errs.KindBadRequest, "invalid path: %s", path)
	}
	if _, err := os.Stat(full); err != nil {
		return errs.Newf(errs.KindNotFound, "file not found: %s", path)
	}
	if err := os.RemoveAll(full); err != nil {
		return errs.Wrap(errs.KindInternal, "delete file", err)
	}
	return nil
}

// WorkspaceArchive streams the live workspace as a gzip tarball with the
// snapshot exclusions applied.
func (m *Manager) WorkspaceArchive(id string, w io.Writer) error {
	ws, err := m.liveWorkspace(id)
	if err != nil {
		return err
	}
	if err := snapshot.WriteWorkspaceArchive(w, ws); err != nil {
		return errs.Wrap(errs.KindInternal, "archive workspace", err)
	}
	return nil
}

// ReadWorkspaceFile reads one file under root with the standard confinement
// and size rules. Shared with the snapshot-backed file routes, which serve
// the same contract for paused sessions.
func ReadWorkspaceFile(root, path string) ([]byte, error) {
	full, err := fsutil.SafeJoin(root, path)
	if err != nil {
		return nil, errs.Newf(errs.KindBadRequest, "invalid path: %s", path)
	}
	data, err := fsutil.ReadCapped(full, MaxFileReadBytes)
	switch {
	case err == nil:
		return data, nil
	case errors.Is(err, fsutil.ErrTooLarge):
		return nil, errs.Newf(errs.KindBadRequest, "file exceeds %d bytes: %s", MaxFileReadBytes, path)
	case errors.Is(err, fsutil.ErrIsDirectory):
		return nil, errs.Newf(errs.KindBadRequest, "path is a directory: %s", path)
	case os.IsNotExist(err):
		return nil, errs.Newf(errs.KindNotFound, "file not found: %s", path)
	default:
		return nil, errs.Wrap(errs.KindInternal, "read file", err)
	}
}
