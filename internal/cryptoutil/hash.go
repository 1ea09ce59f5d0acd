package cryptoutil

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"
	"strings"
)

// Algorithm is the digest used for a manifest hash. The coordinator only
// ever publishes these two.
type Algorithm int

const (
	SHA1 Algorithm = iota
	MD5
)

func (a Algorithm) String() string {
	if a == MD5 {
		return "md5"
	}
	return "sha1"
}

// New returns a fresh hash.Hash for a.
func (a Algorithm) New() hash.Hash {
	if a == MD5 {
		return md5.New()
	}
	return sha1.New()
}

// AlgorithmFor selects the digest by hex length: 32 characters is MD5,
// anything else is SHA-1.
func AlgorithmFor(hexDigest string) Algorithm {
	if len(hexDigest) == 32 {
		return MD5
	}
	return SHA1
}

// HashEqual performs constant-time comparison of two hex-encoded hashes.
// Case is ignored since manifests are not consistent about it.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(a)), []byte(strings.ToLower(b))) == 1
}

// HashReader streams r through alg and returns the lowercase hex digest
// and the number of bytes read.
func HashReader(r io.Reader, alg Algorithm) (string, int64, error) {
	h := alg.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Validate reports whether data hashes to expected under the algorithm
// implied by expected's length.
func Validate(data []byte, expected string) bool {
	h := AlgorithmFor(expected).New()
	h.Write(data)
	return HashEqual(hex.EncodeToString(h.Sum(nil)), expected)
}
