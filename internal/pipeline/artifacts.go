// ABOUTME: Attempt-versioned artifact storage on the local filesystem
// ABOUTME: One directory per document, one subdirectory per stage

package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// Artifacts lays stage outputs out as
// <root>/<doc_id>/<stage>/attempt-<n>.<ext>. Attempts never overwrite
// each other, so a retried stage leaves its failed predecessors
// inspectable.
type Artifacts struct {
	root string
}

// NewArtifacts ensures the artifact root exists.
func NewArtifacts(root string) (*Artifacts, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifact root: %w", err)
	}
	return &Artifacts{root: root}, nil
}

// Path returns the artifact location for one stage attempt.
func (a *Artifacts) Path(docID, stage string, attempt int, ext string) string {
	return filepath.Join(a.root, docID, stage, fmt.Sprintf("attempt-%d.%s", attempt, ext))
}

// Write stores one stage output atomically: a temp file in the final
// directory, then rename.
func (a *Artifacts) Write(docID, stage string, attempt int, ext string, data []byte) (string, error) {
	path := a.Path(docID, stage, attempt, ext)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}

// Read loads a stage output back.
func (a *Artifacts) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Remove deletes all artifacts of one document.
func (a *Artifacts) Remove(docID string) error {
	return os.RemoveAll(filepath.Join(a.root, docID))
}
