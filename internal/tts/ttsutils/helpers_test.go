package ttsutils_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/book-expert/tts-fulfillment/internal/tts/ttsutils"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain", input: "chapter-01", expected: "chapter-01"},
		{name: "reserved characters", input: `a<b>c:d"e/f\g|h?i*j`, expected: "a_b_c_d_e_f_g_h_i_j"},
		{name: "url characters", input: "part#1%", expected: "part_1_"},
		{name: "control characters", input: "line\nbreak\x00", expected: "linebreak"},
		{name: "dot segments", input: "..", expected: ""},
		{name: "surrounding space", input: "  name  ", expected: "name"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.expected, ttsutils.SanitizeFilename(testCase.input))
		})
	}
}

func TestSanitizeFilename_Truncates(t *testing.T) {
	t.Parallel()

	assert.Len(t, ttsutils.SanitizeFilename(strings.Repeat("a", 300)), 128)

	truncated := ttsutils.SanitizeFilename("a" + strings.Repeat("é", 70))
	assert.True(t, utf8.ValidString(truncated), "cut on a rune boundary")
	assert.LessOrEqual(t, len(truncated), 128)
	assert.Equal(t, "a"+strings.Repeat("é", 63), truncated)
}

func TestAudioFileName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc.wav", ttsutils.AudioFileName("abc"))
	assert.Equal(t, "abc.WAV", ttsutils.AudioFileName("abc.WAV"))
	assert.Equal(t, "a_b.wav", ttsutils.AudioFileName("a/b"))

	for _, fileID := range []string{"", ".", "..", "...", "  .  "} {
		assert.Empty(t, ttsutils.AudioFileName(fileID), "file id %q", fileID)
	}
}

func TestObjectKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "audio/book-1/x.wav", ttsutils.ObjectKey("audio/book-1", "x.wav"))
	assert.Equal(t, "audio/x.wav", ttsutils.ObjectKey("/audio//", "x.wav"))
	assert.Equal(t, "x.wav", ttsutils.ObjectKey("", "x.wav"))
	assert.Equal(t, "audio/x.wav", ttsutils.ObjectKey("audio/../", "x.wav"), "dot segments are dropped")
}

func TestGetFileExtension(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "wav", ttsutils.GetFileExtension("speech.wav"))
	assert.Empty(t, ttsutils.GetFileExtension("speech"))
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "45.2s", ttsutils.FormatDuration(45.2))
	assert.Equal(t, "5m 30.5s", ttsutils.FormatDuration(330.5))
	assert.Equal(t, "1h 15m", ttsutils.FormatDuration(4500))
}

func TestFormatFileSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "512 B", ttsutils.FormatFileSize(512))
	assert.Equal(t, "1.5 KB", ttsutils.FormatFileSize(1536))
	assert.Equal(t, "2.0 MB", ttsutils.FormatFileSize(2*1024*1024))
	assert.Equal(t, "1.0 GB", ttsutils.FormatFileSize(1024*1024*1024))
}
