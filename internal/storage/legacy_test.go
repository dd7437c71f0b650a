package storage

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/recall/pkg/types"
)

func TestDecodeLegacy(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("I really loved our conversation yesterday!"))

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"encoded sentence", encoded, "I really loved our conversation yesterday!"},
		{"short text", "hello there", "hello there"},
		{"sentence with spaces", "this is a normal message with spaces in it", "this is a normal message with spaces in it"},
		{"low entropy", "aaaaaaaaaaaaaaaaaaaaaaaa", "aaaaaaaaaaaaaaaaaaaaaaaa"},
		{"decodes to binary", "abcdefghijklmnopqrstuvwx", "abcdefghijklmnopqrstuvwx"},
		{"not a multiple of four", "ThisIsAPlainCamelCaseIdentifierXy", "ThisIsAPlainCamelCaseIdentifierXy"},
		{"control bytes", base64.StdEncoding.EncodeToString([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17}), base64.StdEncoding.EncodeToString([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeLegacy(tt.in))
		})
	}
}

func TestDecodeContent_OnlyLegacyFormat(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("You remembered my birthday, thank you so much"))

	assert.Equal(t, encoded, DecodeContent(encoded, types.ContentFormatPlain),
		"plain content is never reinterpreted")
	assert.Equal(t, "You remembered my birthday, thank you so much",
		DecodeContent(encoded, types.ContentFormatLegacy))
	assert.True(t, LooksLegacyEncoded(encoded))
	assert.False(t, LooksLegacyEncoded("see you tomorrow"))
}
