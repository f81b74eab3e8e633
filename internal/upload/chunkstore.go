package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
)

// ChunkStore owns the on-disk staging area for in-flight uploads. Chunks live
// at <root>/<uploadID>/chunk_<index> until assembly consumes them.
type ChunkStore struct {
	root string
}

// NewChunkStore creates the staging root if needed.
func NewChunkStore(root string) (*ChunkStore, error) {
	if root == "" {
		return nil, errors.New("chunk root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk root: %w", err)
	}
	return &ChunkStore{root: root}, nil
}

func (s *ChunkStore) uploadDir(uploadID uuid.UUID) string {
	return filepath.Join(s.root, uploadID.String())
}

func (s *ChunkStore) chunkPath(uploadID uuid.UUID, index int) string {
	return filepath.Join(s.uploadDir(uploadID), fmt.Sprintf("chunk_%d", index))
}

func (s *ChunkStore) markerPath(uploadID uuid.UUID, index int) string {
	return filepath.Join(s.uploadDir(uploadID), fmt.Sprintf(".chunk_%d.seen", index))
}

// Write stores one chunk, overwriting any previous bytes for the same index.
// It reports whether the index had not been seen before, so the caller can
// count distinct chunks without re-scanning the directory. Newness is decided
// by an exclusive marker create after the bytes land, so concurrent sends of
// the same index report it exactly once.
func (s *ChunkStore) Write(uploadID uuid.UUID, index int, r io.Reader) (isNew bool, size int64, err error) {
	dir := s.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create upload chunk dir")
	}

	// write-then-rename so a re-sent chunk never exposes a torn file
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".chunk_%d-*", index))
	if err != nil {
		return false, 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create chunk temp file")
	}
	size, err = io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return false, 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "write chunk bytes")
	}
	if err := os.Rename(tmp.Name(), s.chunkPath(uploadID, index)); err != nil {
		_ = os.Remove(tmp.Name())
		return false, 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "commit chunk file")
	}

	// O_EXCL guarantees exactly one winner per index no matter how many
	// writers raced the rename above
	marker, err := os.OpenFile(s.markerPath(uploadID, index), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, size, nil
		}
		return false, 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record chunk marker")
	}
	_ = marker.Close()
	return true, size, nil
}

// Has reports whether a chunk file exists for the index.
func (s *ChunkStore) Has(uploadID uuid.UUID, index int) bool {
	_, err := os.Stat(s.chunkPath(uploadID, index))
	return err == nil
}

// Open returns a reader over one stored chunk.
func (s *ChunkStore) Open(uploadID uuid.UUID, index int) (io.ReadCloser, error) {
	f, err := os.Open(s.chunkPath(uploadID, index))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Remove deletes the whole staging dir for an upload.
func (s *ChunkStore) Remove(uploadID uuid.UUID) error {
	return os.RemoveAll(s.uploadDir(uploadID))
}
