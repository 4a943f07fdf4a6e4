package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Validator computes and checks content checksums. The client-facing upload
// splitter uses it to checksum pieces and the MN read path uses it to verify
// bytes read back from an SN; Store.Write hashes incoming bytes itself.
type Validator struct{}

// Sum returns the lowercase hex SHA-256 of r's contents, along with the
// number of bytes read.
func (Validator) Sum(r io.Reader) (checksum string, n int64, err error) {
	h := sha256.New()
	n, err = io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Matches reports whether r's content checksum equals want.
func (v Validator) Matches(r io.Reader, want string) (bool, error) {
	got, _, err := v.Sum(r)
	if err != nil {
		return false, err
	}
	return got == want, nil
}
