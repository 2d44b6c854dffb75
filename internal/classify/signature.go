// Package classify holds the pure content classifiers used across the
// pipeline: file-signature validation, login-page detection and locale-aware
// normalization of numbers, dates and units. Nothing here performs I/O.
package classify

import (
	"bytes"
	"path/filepath"
	"strings"
)

// signature pairs a magic-byte prefix with the extensions it satisfies.
type signature struct {
	prefix []byte
	exts   []string
}

// Office OOXML files (docx/xlsx) are zip containers, legacy Office files
// share the OLE compound header. Both show up under several extensions.
var signatures = []signature{
	{prefix: []byte("%PDF"), exts: []string{".pdf"}},
	{prefix: []byte("PK\x03\x04"), exts: []string{".zip", ".docx", ".xlsx", ".pptx", ".odt", ".ods"}},
	{prefix: []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, exts: []string{".doc", ".xls", ".ppt"}},
	{prefix: []byte("{\\rtf"), exts: []string{".rtf"}},
	{prefix: []byte{0x89, 'P', 'N', 'G'}, exts: []string{".png"}},
	{prefix: []byte{0xFF, 0xD8, 0xFF}, exts: []string{".jpg", ".jpeg"}},
	{prefix: []byte("GIF8"), exts: []string{".gif"}},
}

// SniffExtension returns the canonical extension implied by the payload's
// magic bytes, or "" when no known signature matches.
func SniffExtension(data []byte) string {
	for _, sig := range signatures {
		if bytes.HasPrefix(data, sig.prefix) {
			return sig.exts[0]
		}
	}
	return ""
}

// MatchesDeclaredName reports whether the payload's magic bytes are
// consistent with the extension of the declared file name. Unknown
// signatures and unknown extensions are treated as consistent: only a
// positive contradiction counts as a mismatch.
func MatchesDeclaredName(data []byte, declaredName string) bool {
	ext := strings.ToLower(filepath.Ext(declaredName))
	if ext == "" {
		return true
	}
	declared := false
	for _, sig := range signatures {
		for _, e := range sig.exts {
			if e != ext {
				continue
			}
			declared = true
			if bytes.HasPrefix(data, sig.prefix) {
				return true
			}
		}
	}
	if !declared {
		return true
	}
	// Declared extension has a known signature but the bytes disagree.
	return false
}
