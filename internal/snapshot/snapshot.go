// Package snapshot persists whole workspaces keyed by session id, so a
// session whose sandbox was evicted can cold-resume with its files intact.
//
// Persistence is best-effort by contract: failures are logged and reported
// as false, never propagated as lifecycle failures.
package snapshot

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ashrun/ash/internal/common/config"
	"github.com/ashrun/ash/internal/common/logger"
)

// Directories regenerated by package managers or scoped to a live process;
// copying them would bloat snapshots without preserving anything a resume
// needs.
var excludedDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	".venv":        {},
	"venv":         {},
	"__pycache__":  {},
	".cache":       {},
	".npm":         {},
	".tmp":         {},
}

var excludedFileSuffixes = []string{".sock", ".lock", ".pid"}

// ExcludedDir reports whether a directory name is skipped by snapshots and
// by workspace file listings.
func ExcludedDir(name string) bool {
	_, ok := excludedDirs[name]
	return ok
}

// ExcludedFile reports whether a file name is skipped.
func ExcludedFile(name string) bool {
	for _, suffix := range excludedFileSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// Metadata is the sidecar written next to each snapshot.
type Metadata struct {
	SessionID   string    `json:"sessionId"`
	AgentName   string    `json:"agentName"`
	PersistedAt time.Time `json:"persistedAt"`
}

// Store keeps snapshots under <data-dir>/sessions/<id>/. When a cloud tier
// is configured it mirrors each snapshot as a tarball; local disk stays the
// source of truth and the cloud copy is consulted only when the local one is
// missing.
type Store struct {
	root  string
	log   *logger.Logger
	cloud *cloudTier
}

// New prepares the snapshot root and, when cfg.SnapshotURL is set, the
// object-store mirror.
func New(cfg *config.Config, log *logger.Logger) (*Store, error) {
	root := filepath.Join(cfg.DataDir, "sessions")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	s := &Store{root: root, log: log}
	if cfg.SnapshotURL != "" {
		cloud, err := newCloudTier(cfg.SnapshotURL)
		if err != nil {
			return nil, err
		}
		s.cloud = cloud
		log.Info("Snapshot cloud tier enabled", zap.String("bucket", cloud.bucket))
	}
	return s, nil
}

func (s *Store) dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *Store) workspaceDir(sessionID string) string {
	return filepath.Join(s.dir(sessionID), "workspace")
}

func (s *Store) metadataPath(sessionID string) string {
	return filepath.Join(s.dir(sessionID), "metadata.json")
}

// Persist copies the workspace into the snapshot directory, replacing any
// previous snapshot, and mirrors it to the cloud tier when one is
// configured.
func (s *Store) Persist(ctx context.Context, sessionID, workspaceDir, agentName string) bool {
	log := s.log.WithSessionID(sessionID)

	target := s.workspaceDir(sessionID)
	if err := os.RemoveAll(target); err != nil {
		log.Warn("Failed to clear previous snapshot", zap.Error(err))
		return false
	}
	if err := copyTree(workspaceDir, target); err != nil {
		log.Warn("Failed to snapshot workspace", zap.String("workspace", workspaceDir), zap.Error(err))
		_ = os.RemoveAll(target)
		return false
	}

	meta := Metadata{SessionID: sessionID, AgentName: agentName, PersistedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err == nil {
		err = os.WriteFile(s.metadataPath(sessionID), data, 0o644)
	}
	if err != nil {
		log.Warn("Failed to write snapshot metadata", zap.Error(err))
		return false
	}

	if s.cloud != nil {
		if err := s.cloud.upload(ctx, sessionID, s.dir(sessionID)); err != nil {
			// The local snapshot is intact, so the persist still counts.
			log.Warn("Failed to mirror snapshot to cloud tier", zap.Error(err))
		}
	}

	log.Debug("Workspace snapshot persisted", zap.String("dir", target))
	return true
}

// Restore copies the snapshot into targetDir. If the local snapshot is
// missing and a cloud tier is configured, the tarball is fetched and
// unpacked first. Returns false when no snapshot exists anywhere.
func (s *Store) Restore(ctx context.Context, sessionID, targetDir string) bool {
	log := s.log.WithSessionID(sessionID)

	src := s.workspaceDir(sessionID)
	if _, err := os.Stat(src); err != nil {
		if s.cloud == nil {
			return false
		}
		if err := s.cloud.download(ctx, sessionID, s.dir(sessionID)); err != nil {
			log.Warn("Failed to fetch snapshot from cloud tier", zap.Error(err))
			return false
		}
		if _, err := os.Stat(src); err != nil {
			return false
		}
		log.Info("Snapshot restored from cloud tier")
	}

	if err := copyTree(src, targetDir); err != nil {
		log.Warn("Failed to restore snapshot", zap.String("target", targetDir), zap.Error(err))
		return false
	}
	log.Debug("Workspace snapshot restored", zap.String("target", targetDir))
	return true
}

// Has reports whether a snapshot exists locally or in the cloud tier.
func (s *Store) Has(ctx context.Context, sessionID string) bool {
	if _, err := os.Stat(s.workspaceDir(sessionID)); err == nil {
		return true
	}
	if s.cloud != nil {
		return s.cloud.has(ctx, sessionID)
	}
	return false
}

// WorkspacePath returns where a session's snapshot workspace lives on local
// disk. Callers gate on Has; the path may not exist.
func (s *Store) WorkspacePath(sessionID string) string {
	return s.workspaceDir(sessionID)
}

// Metadata reads the sidecar for a local snapshot.
func (s *Store) Metadata(sessionID string) (*Metadata, error) {
	data, err := os.ReadFile(s.metadataPath(sessionID))
	if err != nil {
		return nil, err
	}
	meta := &Metadata{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Delete removes the snapshot from disk and, when configured, the cloud
// tier.
func (s *Store) Delete(ctx context.Context, sessionID string) bool {
	ok := true
	if err := os.RemoveAll(s.dir(sessionID)); err != nil {
		s.log.WithSessionID(sessionID).Warn("Failed to delete snapshot", zap.Error(err))
		ok = false
	}
	if s.cloud != nil {
		if err := s.cloud.remove(ctx, sessionID); err != nil {
			s.log.WithSessionID(sessionID).Warn("Failed to delete cloud snapshot", zap.Error(err))
			ok = false
		}
	}
	return ok
}

// copyTree recursively copies src into dst, skipping the excluded
// directories and file patterns. Symlinks are skipped: a link out of the
// workspace would otherwise leak host paths into the snapshot.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		if d.IsDir() {
			if rel != "." && ExcludedDir(d.Name()) {
				return fs.SkipDir
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(filepath.Join(dst, rel), info.Mode().Perm())
		}

		if !d.Type().IsRegular() {
			return nil
		}
		if ExcludedFile(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, filepath.Join(dst, rel), info.Mode().Perm())
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
