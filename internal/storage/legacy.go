package storage

import (
	"encoding/base64"
	"math"
	"regexp"
	"unicode"
	"unicode/utf8"

	"github.com/scrypster/recall/pkg/types"
)

// Legacy detection thresholds. Shorter strings are far more likely to be
// ordinary words than encoded payloads.
const (
	legacyMinLength  = 24
	legacyMinEntropy = 3.5
)

var base64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// DecodeContent returns the readable form of stored content. Plain-format
// content is returned unchanged; legacy content is decoded best-effort.
func DecodeContent(content string, format types.ContentFormat) string {
	if format != types.ContentFormatLegacy {
		return content
	}
	return DecodeLegacy(content)
}

// DecodeLegacy decodes content that looks like a base64 blob: long enough,
// base64 alphabet only, high entropy, and decoding to printable UTF-8.
// Anything else is returned as is.
func DecodeLegacy(s string) string {
	if len(s) < legacyMinLength || len(s)%4 != 0 {
		return s
	}
	if !base64Pattern.MatchString(s) {
		return s
	}
	if shannonEntropy(s) < legacyMinEntropy {
		return s
	}

	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil || !utf8.Valid(decoded) || !printable(decoded) {
		return s
	}
	return string(decoded)
}

// LooksLegacyEncoded reports whether DecodeLegacy would change s.
func LooksLegacyEncoded(s string) bool {
	return DecodeLegacy(s) != s
}

func shannonEntropy(s string) float64 {
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

func printable(b []byte) bool {
	for _, r := range string(b) {
		if unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\r' {
			continue
		}
		return false
	}
	return len(b) > 0
}
