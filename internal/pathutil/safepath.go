// Package pathutil checks slash-separated paths such as object key
// prefixes before they are joined with anything else.
package pathutil

import (
	"fmt"
	"strings"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// CleanPrefix normalizes an object key prefix: leading, trailing and
// repeated slashes are dropped. Dot segments are rejected rather than
// resolved so a prefix can never climb out of itself.
func CleanPrefix(p string) (string, error) {
	if HasDotSegments(p) {
		return "", fmt.Errorf("prefix %q contains . or .. segments", p)
	}
	segs := strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
	return strings.Join(segs, "/"), nil
}

// JoinKey joins a cleaned prefix and a relative key. An empty prefix
// returns rel unchanged.
func JoinKey(prefix, rel string) string {
	if prefix == "" {
		return rel
	}
	return prefix + "/" + rel
}
