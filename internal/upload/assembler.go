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

// Assembler concatenates a complete chunk set into one source file under the
// media root. The caller holds the per-upload claim; Assemble itself does no
// locking.
type Assembler struct {
	store     *ChunkStore
	outputDir string
}

// NewAssembler wires an assembler over the chunk store and media source dir.
func NewAssembler(store *ChunkStore, outputDir string) (*Assembler, error) {
	if store == nil {
		return nil, errors.New("chunk store is required")
	}
	if outputDir == "" {
		return nil, errors.New("output dir is required")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create assembly output dir: %w", err)
	}
	return &Assembler{store: store, outputDir: outputDir}, nil
}

// OutputPath returns where the assembled source file for an upload lands. The
// original extension is kept so probing sees the declared container.
func (a *Assembler) OutputPath(uploadID uuid.UUID, filename string) string {
	ext := filepath.Ext(filename)
	return filepath.Join(a.outputDir, uploadID.String()+ext)
}

// Assemble verifies every index 0..totalChunks-1 exists, concatenates them in
// order, deletes the chunk set, and returns the output path and byte size. A
// gap fails before any byte is written.
func (a *Assembler) Assemble(uploadID uuid.UUID, filename string, totalChunks int) (string, int64, error) {
	var missing []int
	for index := 0; index < totalChunks; index++ {
		if !a.store.Has(uploadID, index) {
			missing = append(missing, index)
		}
	}
	if len(missing) > 0 {
		return "", 0, pkgerrors.New(pkgerrors.CodeIncompleteUpload,
			fmt.Sprintf("upload is missing %d of %d chunks", len(missing), totalChunks)).
			WithDetails(map[string]any{"missing_indices": missing})
	}

	outputPath := a.OutputPath(uploadID, filename)
	out, err := os.Create(outputPath)
	if err != nil {
		return "", 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create assembled file")
	}

	var size int64
	for index := 0; index < totalChunks; index++ {
		n, err := a.appendChunk(out, uploadID, index)
		if err != nil {
			out.Close()
			_ = os.Remove(outputPath)
			return "", 0, err
		}
		size += n
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(outputPath)
		return "", 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "flush assembled file")
	}

	if err := a.store.Remove(uploadID); err != nil {
		// assembled output is intact; leaking the staging dir is the lesser harm
		return outputPath, size, nil
	}
	return outputPath, size, nil
}

func (a *Assembler) appendChunk(out io.Writer, uploadID uuid.UUID, index int) (int64, error) {
	chunk, err := a.store.Open(uploadID, index)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("open chunk %d", index))
	}
	defer chunk.Close()
	n, err := io.Copy(out, chunk)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, fmt.Sprintf("copy chunk %d", index))
	}
	return n, nil
}
