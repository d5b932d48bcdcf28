package aeor

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// maxIdentifierLen bounds deployment ids and state hashes.
const maxIdentifierLen = 256

// NormalizeIdentifier trims and NFC-normalizes an identifier so that visually
// identical ids key the same lock. It rejects empty, oversized and non-UTF-8 values.
func NormalizeIdentifier(field, raw string) (string, error) {
	if !utf8.ValidString(raw) {
		return "", fmt.Errorf("%s is not valid UTF-8", field)
	}
	v := norm.NFC.String(strings.TrimSpace(raw))
	if v == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	if len(v) > maxIdentifierLen {
		return "", fmt.Errorf("%s exceeds %d bytes", field, maxIdentifierLen)
	}
	if strings.ContainsFunc(v, isControl) {
		return "", fmt.Errorf("%s contains control characters", field)
	}
	return v, nil
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}
