// Package textnorm normalizes workspace-provided text before it is merged
// into ContextConfiguration, so near-duplicate memory/skill entries (one
// typed with a zero-width joiner, one without) compare equal under identity
// merge. Grounded on the teacher's guardrail.go, which applies the same
// NFKC-plus-zero-width-stripping step before comparing untrusted text.
package textnorm

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// zeroWidth collapses zero-width formatting characters that would otherwise
// defeat identity-based deduplication, mirroring guardrail.go's replacer.
var zeroWidth = strings.NewReplacer(
	"​", "", // zero-width space
	"‌", "", // zero-width non-joiner
	"‍", "", // zero-width joiner
	"﻿", "", // BOM
	"⁠", "", // word joiner
	"᠎", "", // Mongolian vowel separator
	"­", "", // soft hyphen
)

// Normalize applies NFKC normalization and strips zero-width characters.
func Normalize(s string) string {
	return norm.NFKC.String(zeroWidth.Replace(s))
}
