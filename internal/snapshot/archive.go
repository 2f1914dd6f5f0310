package snapshot

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

// WriteWorkspaceArchive streams a live workspace as a gzip tarball, applying
// the snapshot exclusion rules. Runners use it to ship a workspace back to
// the coordinator before their sandbox is destroyed.
func WriteWorkspaceArchive(w io.Writer, workspaceDir string) error {
	return writeTarStream(w, workspaceDir, true)
}

// WriteBundleArchive streams a directory as a gzip tarball with no exclusion
// rules. The coordinator uses it to ship agent bundles to runners verbatim.
func WriteBundleArchive(w io.Writer, dir string) error {
	return writeTarStream(w, dir, false)
}

// ExtractWorkspaceArchive unpacks a workspace tarball into dstDir.
func ExtractWorkspaceArchive(r io.Reader, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	return extractTarStream(r, dstDir)
}

// PersistArchive stores a workspace tarball as the session's snapshot,
// replacing any previous one. Same best-effort contract as Persist.
func (s *Store) PersistArchive(ctx context.Context, sessionID, agentName string, r io.Reader) bool {
	log := s.log.WithSessionID(sessionID)

	target := s.workspaceDir(sessionID)
	if err := os.RemoveAll(target); err != nil {
		log.Warn("Failed to clear previous snapshot", zap.Error(err))
		return false
	}
	if err := ExtractWorkspaceArchive(r, target); err != nil {
		log.Warn("Failed to unpack workspace archive", zap.Error(err))
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
			log.Warn("Failed to mirror snapshot to cloud tier", zap.Error(err))
		}
	}
	return true
}

// OpenArchive streams the session's snapshot workspace as a gzip tarball.
// The local copy is fetched from the cloud tier first when missing. The
// caller must close the returned reader; an error on Close reports any
// packing failure.
func (s *Store) OpenArchive(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	src := s.workspaceDir(sessionID)
	if _, err := os.Stat(src); err != nil {
		if s.cloud == nil {
			return nil, err
		}
		if cerr := s.cloud.download(ctx, sessionID, s.dir(sessionID)); cerr != nil {
			return nil, err
		}
		if _, err := os.Stat(src); err != nil {
			return nil, err
		}
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTarStream(pw, src, false))
	}()
	return pr, nil
}

// Clone copies the src session's snapshot into dst's slot; forks use it so
// the child starts from the parent's workspace. Same best-effort contract as
// Persist, except a missing source snapshot is reported rather than logged
// as a failure.
func (s *Store) Clone(ctx context.Context, srcID, dstID, agentName string) bool {
	log := s.log.WithFields(zap.String("srcSessionId", srcID), zap.String("dstSessionId", dstID))

	srcDir := s.workspaceDir(srcID)
	if _, err := os.Stat(srcDir); err != nil {
		if s.cloud == nil {
			return false
		}
		if cerr := s.cloud.download(ctx, srcID, s.dir(srcID)); cerr != nil {
			log.Warn("Failed to fetch source snapshot from cloud tier", zap.Error(cerr))
			return false
		}
		if _, err := os.Stat(srcDir); err != nil {
			return false
		}
	}

	target := s.workspaceDir(dstID)
	if err := os.RemoveAll(target); err != nil {
		log.Warn("Failed to clear destination snapshot", zap.Error(err))
		return false
	}
	if err := copyTree(srcDir, target); err != nil {
		log.Warn("Failed to clone snapshot", zap.Error(err))
		_ = os.RemoveAll(target)
		return false
	}

	meta := Metadata{SessionID: dstID, AgentName: agentName, PersistedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err == nil {
		err = os.WriteFile(s.metadataPath(dstID), data, 0o644)
	}
	if err != nil {
		log.Warn("Failed to write snapshot metadata", zap.Error(err))
		return false
	}

	if s.cloud != nil {
		if err := s.cloud.upload(ctx, dstID, s.dir(dstID)); err != nil {
			log.Warn("Failed to mirror snapshot to cloud tier", zap.Error(err))
		}
	}

	log.Debug("Workspace snapshot cloned")
	return true
}
