package upload

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
)

func newStagingArea(t *testing.T) (*ChunkStore, *Assembler) {
	t.Helper()
	store, err := NewChunkStore(filepath.Join(t.TempDir(), "chunks"))
	if err != nil {
		t.Fatalf("new chunk store: %v", err)
	}
	assembler, err := NewAssembler(store, filepath.Join(t.TempDir(), "sources"))
	if err != nil {
		t.Fatalf("new assembler: %v", err)
	}
	return store, assembler
}

func errCode(t *testing.T, err error) pkgerrors.Code {
	t.Helper()
	typed := pkgerrors.As(err)
	if typed == nil {
		t.Fatalf("expected a coded error, got %v", err)
	}
	return typed.Code()
}

func TestAssembleOutOfOrderChunks(t *testing.T) {
	store, assembler := newStagingArea(t)
	uploadID := uuid.New()
	parts := [][]byte{[]byte("first-"), []byte("second-"), []byte("third")}

	for _, index := range []int{2, 0, 1} {
		isNew, size, err := store.Write(uploadID, index, bytes.NewReader(parts[index]))
		if err != nil {
			t.Fatalf("write chunk %d: %v", index, err)
		}
		if !isNew || size != int64(len(parts[index])) {
			t.Fatalf("chunk %d: isNew=%v size=%d", index, isNew, size)
		}
	}

	path, size, err := assembler.Assemble(uploadID, "clip.mp4", 3)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read assembled file: %v", err)
	}
	want := "first-second-third"
	if string(content) != want {
		t.Fatalf("assembled bytes out of order: %q", content)
	}
	if size != int64(len(want)) {
		t.Fatalf("reported size %d, want %d", size, len(want))
	}
	if filepath.Ext(path) != ".mp4" {
		t.Fatalf("source extension lost: %s", path)
	}

	// staging dir is gone after a successful assemble
	if store.Has(uploadID, 0) {
		t.Fatalf("chunk set must be deleted after assembly")
	}
}

func TestAssembleFailsOnGap(t *testing.T) {
	store, assembler := newStagingArea(t)
	uploadID := uuid.New()

	store.Write(uploadID, 0, strings.NewReader("aaa"))
	store.Write(uploadID, 2, strings.NewReader("ccc"))

	_, _, err := assembler.Assemble(uploadID, "clip.mp4", 3)
	if errCode(t, err) != pkgerrors.CodeIncompleteUpload {
		t.Fatalf("expected incomplete upload, got %v", err)
	}
	// a gap leaves the chunk set intact for inspection
	if !store.Has(uploadID, 0) || !store.Has(uploadID, 2) {
		t.Fatalf("failed assembly must not consume chunks")
	}
}

func TestChunkResendIsIdempotent(t *testing.T) {
	store, assembler := newStagingArea(t)
	uploadID := uuid.New()

	for index, body := range []string{"aaa", "bbb"} {
		store.Write(uploadID, index, strings.NewReader(body))
	}
	// resend index 1 with identical bytes before assembly
	isNew, _, err := store.Write(uploadID, 1, strings.NewReader("bbb"))
	if err != nil {
		t.Fatalf("resend failed: %v", err)
	}
	if isNew {
		t.Fatalf("resent index must not count as new")
	}

	path, _, err := assembler.Assemble(uploadID, "clip.mp4", 2)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	content, _ := os.ReadFile(path)
	naive := md5.Sum([]byte("aaabbb"))
	assembled := md5.Sum(content)
	if hex.EncodeToString(assembled[:]) != hex.EncodeToString(naive[:]) {
		t.Fatalf("resend changed assembled output")
	}
}

func TestVerifierMatchesAndRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "source.mp4")
	if err := os.WriteFile(path, []byte("media-bytes"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	sum := md5.Sum([]byte("media-bytes"))
	declared := hex.EncodeToString(sum[:])

	var verifier IntegrityVerifier
	computed, err := verifier.Verify(path, declared)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if computed != declared {
		t.Fatalf("computed %s, want %s", computed, declared)
	}

	// uppercase declared digests still match
	if _, err := verifier.Verify(path, strings.ToUpper(declared)); err != nil {
		t.Fatalf("case-insensitive compare failed: %v", err)
	}
}

func TestVerifierSkipsWithoutDeclared(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "source.mp4")
	os.WriteFile(path, []byte("media-bytes"), 0o644)

	var verifier IntegrityVerifier
	computed, err := verifier.Verify(path, "")
	if err != nil {
		t.Fatalf("verify without declared checksum must pass: %v", err)
	}
	if computed == "" {
		t.Fatalf("computed digest must still be returned for audit")
	}
}

func TestVerifierMismatchIsHardStop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "source.mp4")
	os.WriteFile(path, []byte("media-bytes"), 0o644)

	var verifier IntegrityVerifier
	computed, err := verifier.Verify(path, "abc123")
	if errCode(t, err) != pkgerrors.CodeIntegrityMismatch {
		t.Fatalf("expected integrity mismatch, got %v", err)
	}
	if pkgerrors.Retryable(err) {
		t.Fatalf("checksum mismatch must never be retryable")
	}
	if computed == "" {
		t.Fatalf("mismatch must still report the computed digest")
	}
}
