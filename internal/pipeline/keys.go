package pipeline

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
)

const (
	maxQuestionKeyLen = 256
	keyHashHexLen     = 40 // full SHA-1 digest in hex
)

var nonKeyRunes = regexp.MustCompile(`[^a-z0-9]+`)

// DeriveQuestionKey produces the stable answer key for a detail row. A
// non-empty QUESTION_ID is used verbatim after trimming; otherwise the key is
// derived from the question text: lowercased, whitespace collapsed, non
// [a-z0-9] runs replaced with underscores, outer underscores trimmed. Either
// way, keys longer than 256 chars are shortened by suffixing an underscore
// plus the SHA-1 of the full key, keeping the result at exactly 256 chars.
//
// The derivation is idempotent: feeding a derived key back through yields the
// same key, which is what makes text-derived keys safe as primary-key parts.
func DeriveQuestionKey(questionID, questionText string) string {
	if id := strings.TrimSpace(questionID); id != "" {
		return shortenKey(id)
	}

	key := strings.ToLower(questionText)
	key = strings.Join(strings.Fields(key), " ")
	key = nonKeyRunes.ReplaceAllString(key, "_")
	key = strings.Trim(key, "_")

	return shortenKey(key)
}

// shortenKey caps a key at the question_key column width. The tail is
// replaced with an underscore plus the SHA-1 of the full key, so distinct
// overlong keys stay distinct.
func shortenKey(key string) string {
	if len(key) <= maxQuestionKeyLen {
		return key
	}

	sum := sha1.Sum([]byte(key))

	return key[:maxQuestionKeyLen-keyHashHexLen-1] + "_" + hex.EncodeToString(sum[:])
}

// IsStableQuestionKey reports whether re-deriving a text-derived key from
// itself yields the same key. Used by the VALIDATE_KEYS diagnostic pass.
func IsStableQuestionKey(key string) bool {
	return DeriveQuestionKey("", key) == key
}
