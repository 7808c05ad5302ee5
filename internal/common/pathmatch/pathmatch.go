// Package pathmatch implements the repository path matching rule used for
// agent affinity: paths are compared in normalized absolute form,
// case-insensitively, and a prefix relationship in either direction counts
// as a match.
package pathmatch

import (
	"path/filepath"
	"strings"
)

// Normalize returns the canonical comparison form of a repository path:
// cleaned, slash-separated, lower-cased, without a trailing separator.
func Normalize(path string) string {
	if path == "" {
		return ""
	}
	p := filepath.ToSlash(filepath.Clean(path))
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		p = "/"
	}
	return strings.ToLower(p)
}

// Match reports whether two repository paths refer to the same tree.
// Either path being a subdirectory of the other is treated as a match.
// Empty paths never match.
func Match(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	return isPrefix(na, nb) || isPrefix(nb, na)
}

// Exact reports whether two paths are the same after normalization.
func Exact(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

// isPrefix reports whether child lives under parent. A bare string prefix is
// not enough: "/repo-two" is not under "/repo".
func isPrefix(parent, child string) bool {
	if !strings.HasPrefix(child, parent) {
		return false
	}
	if parent == "/" {
		return true
	}
	return len(child) > len(parent) && child[len(parent)] == '/'
}
