// Package audio_test tests WAV wrapping of raw PCM.
package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/book-expert/tts-fulfillment/internal/tts/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPCM_Header(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 48000) // one second at 24 kHz mono 16-bit

	wav, err := audio.WrapPCM(pcm, audio.DefaultFormat())
	require.NoError(t, err)
	require.Len(t, wav, 44+len(pcm))

	assert.True(t, audio.IsWAV(wav))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, uint32(36+len(pcm)), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[20:22]), "PCM format tag")
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:24]), "mono")
	assert.Equal(t, uint32(24000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(48000), binary.LittleEndian.Uint32(wav[28:32]), "byte rate")
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(wav[32:34]), "block align")
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(wav[34:36]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(wav[40:44]))
}

func TestWrapPCM_AlreadyWAV(t *testing.T) {
	t.Parallel()

	wav, err := audio.WrapPCM(make([]byte, 10), audio.DefaultFormat())
	require.NoError(t, err)

	again, err := audio.WrapPCM(wav, audio.DefaultFormat())
	require.NoError(t, err)
	assert.Equal(t, wav, again)
}

func TestWrapPCM_Errors(t *testing.T) {
	t.Parallel()

	_, err := audio.WrapPCM(nil, audio.DefaultFormat())
	require.ErrorIs(t, err, audio.ErrEmptyAudio)

	_, err = audio.WrapPCM([]byte{1, 2, 3}, audio.DefaultFormat())
	require.ErrorIs(t, err, audio.ErrInvalidFormat, "odd byte count is not whole 16-bit frames")

	_, err = audio.WrapPCM([]byte{1, 2}, audio.Format{SampleRate: 24000, BitDepth: 12, Channels: 1})
	require.ErrorIs(t, err, audio.ErrInvalidFormat)
}

func TestFormat_Duration(t *testing.T) {
	t.Parallel()

	format := audio.DefaultFormat()

	assert.Equal(t, time.Second, format.Duration(48000))
	assert.Equal(t, 500*time.Millisecond, format.Duration(24000))
}

func TestFormat_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		format  audio.Format
		wantErr bool
	}{
		{name: "default", format: audio.DefaultFormat(), wantErr: false},
		{name: "zero rate", format: audio.Format{SampleRate: 0, BitDepth: 16, Channels: 1}, wantErr: true},
		{name: "too many channels", format: audio.Format{SampleRate: 24000, BitDepth: 16, Channels: 9}, wantErr: true},
		{name: "stereo 24-bit", format: audio.Format{SampleRate: 48000, BitDepth: 24, Channels: 2}, wantErr: false},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.format.Validate()
			if testCase.wantErr {
				require.ErrorIs(t, err, audio.ErrInvalidFormat)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
