package v1

import "time"

// Workspace sources: whether file operations hit the live sandbox or the
// retained snapshot of a paused or ended session.
const (
	SourceSandbox  = "sandbox"
	SourceSnapshot = "snapshot"
)

// FileEntry describes one file or directory, path relative to the workspace
// root and slash-separated.
type FileEntry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Dir     bool      `json:"dir"`
	ModTime time.Time `json:"modTime"`
}

// ListFilesResponse lists a session workspace. Source tells the caller
// whether the listing came from the live sandbox or a snapshot.
type ListFilesResponse struct {
	Source string      `json:"source"`
	Files  []FileEntry `json:"files"`
}

// WriteFileRequest writes one file into a live sandbox workspace. Content
// rides as base64 in JSON, so binary payloads survive.
type WriteFileRequest struct {
	Path    string `json:"path" binding:"required"`
	Content []byte `json:"content"`
}
