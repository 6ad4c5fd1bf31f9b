// Package docpath provides the minimal path validation and normalisation a
// Shard's index needs to stay consistent: indexes are sorted by Unicode NFC
// path string, so every path entering a Shard must be NFC-normalised first.
// Full path-parsing grammar (globs, wildcards) is out of scope — this
// package only guards that one invariant.
//
// © 2025 docvault authors. MIT License.
package docpath

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/keyspan/docvault/internal/dverr"
)

// Normalize NFC-normalises path and rejects an empty path, "." / ".."
// segments, and control characters. Empty segments (from a leading, trailing
// or doubled "/") are accepted. The result is safe to use as a Shard index key.
func Normalize(path string) (string, error) {
	if path == "" {
		return "", dverr.New(dverr.KindInvalidPath, "docpath.Normalize", "empty path")
	}
	nfc := norm.NFC.String(path)

	segments := strings.Split(nfc, "/")
	for _, seg := range segments {
		switch seg {
		case ".", "..":
			return "", dverr.New(dverr.KindInvalidPath, "docpath.Normalize", "path segment not allowed: "+seg)
		}
		for _, r := range seg {
			if unicode.IsControl(r) {
				return "", dverr.New(dverr.KindInvalidPath, "docpath.Normalize", "control character in path")
			}
		}
	}
	return nfc, nil
}
