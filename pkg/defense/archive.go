package defense

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/altum-labs/probanza/pkg/canonicalize"
)

// Archive stores compiled defense files for certification and later
// retrieval. Files are keyed by project and chain head, so every archived
// artifact is pinned to the exact ledger state it was compiled from.
type Archive interface {
	// Put persists a compiled file and returns its content hash.
	// Archiving the same bytes twice is idempotent.
	Put(ctx context.Context, projectID, chainHead string, data []byte) (string, error)
	// Get retrieves a file by project and chain head.
	Get(ctx context.Context, projectID, chainHead string) ([]byte, error)
	// Exists checks whether a file is archived for this chain state.
	Exists(ctx context.Context, projectID, chainHead string) (bool, error)
}

// archiveKey builds the storage key. Chain head hashes carry a "sha256:"
// prefix that has no place in a path.
func archiveKey(projectID, chainHead string) string {
	if len(chainHead) > 7 && chainHead[:7] == "sha256:" {
		chainHead = chainHead[7:]
	}
	return projectID + "/" + chainHead + ".json"
}

// FileArchive is a filesystem-backed Archive.
type FileArchive struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileArchive creates an Archive under the given directory.
func NewFileArchive(baseDir string) (*FileArchive, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("defense: ensure archive dir: %w", err)
	}
	return &FileArchive{baseDir: baseDir}, nil
}

func (a *FileArchive) Put(ctx context.Context, projectID, chainHead string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.baseDir, filepath.FromSlash(archiveKey(projectID, chainHead)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("defense: ensure project dir: %w", err)
	}

	hash := canonicalize.HashBytes(data)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	// Write to temp, then rename, so a crashed Put never leaves a
	// half-written artifact behind.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("defense: write archive: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("defense: commit archive: %w", err)
	}
	return hash, nil
}

func (a *FileArchive) Get(ctx context.Context, projectID, chainHead string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	path := filepath.Join(a.baseDir, filepath.FromSlash(archiveKey(projectID, chainHead)))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("defense: archive for %s@%s not found", projectID, chainHead)
		}
		return nil, fmt.Errorf("defense: read archive: %w", err)
	}
	return data, nil
}

func (a *FileArchive) Exists(ctx context.Context, projectID, chainHead string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	path := filepath.Join(a.baseDir, filepath.FromSlash(archiveKey(projectID, chainHead)))
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
