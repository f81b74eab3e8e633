package upload

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"strings"

	pkgerrors "github.com/fitstream-app/fitstream-backend/pkg/errors"
)

// IntegrityVerifier checks an assembled file against the client's declared
// checksum. MD5 matches what upload clients compute today.
type IntegrityVerifier struct{}

// Verify streams the file through MD5 and returns the hex digest. An empty
// declared checksum skips the comparison; the digest is still returned so the
// task can record it for audit. A mismatch is a hard stop, never retried.
func (IntegrityVerifier) Verify(path, declared string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "open assembled file")
	}
	defer f.Close()

	hash := md5.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "hash assembled file")
	}
	computed := hex.EncodeToString(hash.Sum(nil))

	if declared != "" && !strings.EqualFold(declared, computed) {
		return computed, pkgerrors.New(pkgerrors.CodeIntegrityMismatch, "declared checksum does not match file contents").
			WithDetails(map[string]string{"declared": declared, "computed": computed})
	}
	return computed, nil
}
