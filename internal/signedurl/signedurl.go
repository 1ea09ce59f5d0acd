// Package signedurl checks the time-limited download tokens the coordinator
// hands to clients. A token is two query parameters:
//
//	s  base64url(sha1(secret + hash + e))
//	e  expiry in milliseconds since the epoch, base 36
//
// A token is valid when the signature matches and now < e.
package signedurl

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Verifier holds the clock used for expiry checks. The zero value uses
// time.Now.
type Verifier struct {
	Now func() time.Time
}

// Verify reports whether query carries a valid token for hash.
func Verify(hash, secret string, query url.Values) bool {
	return Verifier{}.Verify(hash, secret, query)
}

// Verify reports whether query carries a valid token for hash. Missing
// parameters, an unparsable expiry, a wrong signature and an elapsed
// expiry all return false.
func (v Verifier) Verify(hash, secret string, query url.Values) bool {
	sig := query.Get("s")
	e := query.Get("e")
	if sig == "" || e == "" {
		return false
	}
	expiresAt, err := strconv.ParseInt(e, 36, 64)
	if err != nil {
		return false
	}

	// compare unpadded so clients using either base64url form are accepted
	want := base64.RawURLEncoding.EncodeToString(digest(hash, secret, e))
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.TrimRight(sig, "="))) != 1 {
		return false
	}
	return v.now().UnixMilli() < expiresAt
}

func (v Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Sign produces the s and e parameters for hash valid until expiry. The
// signature uses padded base64url, matching what the coordinator issues.
func Sign(hash, secret string, expiry time.Time) (s, e string) {
	e = strconv.FormatInt(expiry.UnixMilli(), 36)
	return base64.URLEncoding.EncodeToString(digest(hash, secret, e)), e
}

// Query returns the url.Values for a signed download of hash.
func Query(hash, secret string, expiry time.Time) url.Values {
	s, e := Sign(hash, secret, expiry)
	return url.Values{"s": {s}, "e": {e}}
}

func digest(hash, secret, e string) []byte {
	h := sha1.New()
	h.Write([]byte(secret))
	h.Write([]byte(hash))
	h.Write([]byte(e))
	return h.Sum(nil)
}
