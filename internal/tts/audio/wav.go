// Package audio wraps raw PCM speech output in a WAV container.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Speech APIs return 24 kHz mono 16-bit little-endian PCM.
const (
	DefaultSampleRate = 24000
	DefaultBitDepth   = 16
	DefaultChannels   = 1
)

// Limits accepted by Validate.
const (
	maxSampleRate = 192000
	maxChannels   = 8
)

const (
	wavHeaderSize  = 44
	fmtChunkSize   = 16
	pcmAudioFormat = 1
	bitsPerByte    = 8
)

const (
	errFmtSampleRateRange = "%w: sample rate must be between 1 and %d Hz"
	errFmtBitDepthValues  = "%w: bit depth must be 8, 16, 24, or 32"
	errFmtChannelsRange   = "%w: channels must be between 1 and %d"
	errFmtFrameAlignment  = "%w: %d bytes is not a whole number of %d-byte frames"
)

// Common errors for the audio package.
var (
	ErrInvalidFormat = errors.New("invalid PCM format")
	ErrEmptyAudio    = errors.New("audio data is empty")
)

// Format describes raw PCM samples.
type Format struct {
	SampleRate int
	BitDepth   int
	Channels   int
}

// DefaultFormat is the PCM format produced by the supported speech APIs.
func DefaultFormat() Format {
	return Format{
		SampleRate: DefaultSampleRate,
		BitDepth:   DefaultBitDepth,
		Channels:   DefaultChannels,
	}
}

// Validate checks the format fields.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.SampleRate > maxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidFormat, maxSampleRate)
	}

	switch f.BitDepth {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf(errFmtBitDepthValues, ErrInvalidFormat)
	}

	if f.Channels <= 0 || f.Channels > maxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidFormat, maxChannels)
	}

	return nil
}

// FrameSize is the number of bytes per sample across all channels.
func (f Format) FrameSize() int {
	return f.Channels * f.BitDepth / bitsPerByte
}

// ByteRate is the number of bytes per second of audio.
func (f Format) ByteRate() int {
	return f.SampleRate * f.FrameSize()
}

// Duration returns the playback length of pcmBytes bytes of audio.
func (f Format) Duration(pcmBytes int) time.Duration {
	byteRate := f.ByteRate()
	if byteRate == 0 {
		return 0
	}

	return time.Duration(int64(pcmBytes) * int64(time.Second) / int64(byteRate))
}

// IsWAV reports whether data already starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// WrapPCM prefixes raw PCM with a canonical 44-byte WAV header. Data that is
// already a WAV file is returned unchanged.
func WrapPCM(pcm []byte, format Format) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}

	if IsWAV(pcm) {
		return pcm, nil
	}

	validateErr := format.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	if len(pcm)%format.FrameSize() != 0 {
		return nil, fmt.Errorf(errFmtFrameAlignment, ErrInvalidFormat, len(pcm), format.FrameSize())
	}

	buffer := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))

	header := []any{
		[]byte("RIFF"),
		uint32(wavHeaderSize - 8 + len(pcm)),
		[]byte("WAVE"),
		[]byte("fmt "),
		uint32(fmtChunkSize),
		uint16(pcmAudioFormat),
		uint16(format.Channels),
		uint32(format.SampleRate),
		uint32(format.ByteRate()),
		uint16(format.FrameSize()),
		uint16(format.BitDepth),
		[]byte("data"),
		uint32(len(pcm)),
	}

	for _, field := range header {
		err := binary.Write(buffer, binary.LittleEndian, field)
		if err != nil {
			return nil, fmt.Errorf("failed to write WAV header: %w", err)
		}
	}

	buffer.Write(pcm)

	return buffer.Bytes(), nil
}
