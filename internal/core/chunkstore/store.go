package chunkstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

const (
	chunksDir = "chunks"
	tempDir   = "temp"
)

// Store is the filesystem layout under the uploads root:
//
//	{root}/chunks/{documentId}-chunk-{n}   staged chunk bytes
//	{root}/temp/{prefix}-{documentId}/     per-job scratch space
//	{root}/{storageName}                   finalized documents
type Store struct {
	root string
}

// New creates the uploads root and its staging subdirectories.
func New(root string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, chunksDir), filepath.Join(root, tempDir)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

// ChunkPath is where chunk n of a document is staged.
func (s *Store) ChunkPath(documentID string, n int) string {
	return filepath.Join(s.root, chunksDir, fmt.Sprintf("%s-chunk-%d", documentID, n))
}

// FinalPath is where a consolidated document named storageName lives.
func (s *Store) FinalPath(storageName string) string {
	return filepath.Join(s.root, filepath.Base(storageName))
}

// WriteChunk stages data for chunk n. The file appears under its final name only
// once fully written, so a crashed write never leaves a truncated chunk behind.
func (s *Store) WriteChunk(documentID string, n int, data []byte) (string, error) {
	dst := s.ChunkPath(documentID, n)

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp chunk: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op once renamed
		_ = os.Remove(tmpName)
	}()

	w := bufio.NewWriter(tmp)
	if _, err := w.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write chunk: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("flush chunk: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close chunk: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", fmt.Errorf("commit chunk: %w", err)
	}
	return dst, nil
}

// OpenChunk opens staged chunk bytes for reading.
func (s *Store) OpenChunk(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chunk %s: %w", path, err)
	}
	return f, nil
}

// RemoveChunks deletes the staged files of chunks 0..total-1. Missing files are ignored.
func (s *Store) RemoveChunks(ctx context.Context, documentID string, total int) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for n := 0; n < total; n++ {
		path := s.ChunkPath(documentID, n)
		g.Go(func() error {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove %s: %w", path, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ScratchDir creates {root}/temp/{prefix}-{documentId}/ and returns a release func
// that removes it with everything inside.
func (s *Store) ScratchDir(prefix, documentID string) (string, func(), error) {
	dir := filepath.Join(s.root, tempDir, fmt.Sprintf("%s-%s", prefix, documentID))
	// leftovers from a crashed run
	if err := os.RemoveAll(dir); err != nil {
		return "", nil, fmt.Errorf("clear scratch dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}
