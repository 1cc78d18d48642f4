package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveQuestionKey(t *testing.T) {
	tests := []struct {
		name       string
		questionID string
		text       string
		want       string
	}{
		{
			name:       "question id wins",
			questionID: "7",
			text:       "Install type",
			want:       "7",
		},
		{
			name:       "question id is trimmed",
			questionID: "  42  ",
			text:       "ignored",
			want:       "42",
		},
		{
			name: "text lowercased and underscored",
			text: "MCS Certificate Number",
			want: "mcs_certificate_number",
		},
		{
			name: "whitespace collapsed",
			text: "  Install \t type\n confirmed ",
			want: "install_type_confirmed",
		},
		{
			name: "punctuation runs collapse to one underscore",
			text: "Is the D.C. isolator -- labelled?",
			want: "is_the_d_c_isolator_labelled",
		},
		{
			name: "outer underscores trimmed",
			text: "(optional) notes!",
			want: "optional_notes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveQuestionKey(tt.questionID, tt.text))
		})
	}
}

func TestDeriveQuestionKeyLongTextHashed(t *testing.T) {
	text := strings.Repeat("very long question text ", 30)

	key := DeriveQuestionKey("", text)

	assert.Len(t, key, maxQuestionKeyLen)
	// Tail is an underscore-separated 40-hex-char SHA-1 suffix.
	assert.Equal(t, "_", key[maxQuestionKeyLen-keyHashHexLen-1:maxQuestionKeyLen-keyHashHexLen])
	assert.Regexp(t, "^[0-9a-f]{40}$", key[maxQuestionKeyLen-keyHashHexLen:])
}

// The length cap applies to provider-supplied IDs too, not just text-derived
// keys, so an overlong QUESTION_ID still fits the key column.
func TestDeriveQuestionKeyLongIDHashed(t *testing.T) {
	id := strings.Repeat("Q", 300)

	key := DeriveQuestionKey(id, "ignored")

	assert.Len(t, key, maxQuestionKeyLen)
	assert.Equal(t, id[:maxQuestionKeyLen-keyHashHexLen-1], key[:maxQuestionKeyLen-keyHashHexLen-1])
	assert.Regexp(t, "^[0-9a-f]{40}$", key[maxQuestionKeyLen-keyHashHexLen:])
}

// Derivation is idempotent: a derived key fed back through the derivation is
// unchanged. This is what makes text-derived keys stable across runs.
func TestDeriveQuestionKeyIdempotent(t *testing.T) {
	inputs := []string{
		"MCS Certificate Number",
		"Is the D.C. isolator -- labelled?",
		strings.Repeat("very long question text ", 30),
		"Short",
	}

	for _, text := range inputs {
		key := DeriveQuestionKey("", text)

		assert.True(t, IsStableQuestionKey(key), "key %q should be derivation-stable", key)
		assert.LessOrEqual(t, len(key), maxQuestionKeyLen)
	}
}
