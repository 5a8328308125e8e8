package core

import (
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

const (
	fieldSpeaker = "speaker"
	fieldVoiceID = "voiceId"
)

// ErrInvalidVoiceSpec is returned when a voice spec payload has an unsupported shape.
var ErrInvalidVoiceSpec = errors.New("voice spec must be a string or a list of speaker voices")

// SpeakerVoice assigns a provider voice to a named speaker.
type SpeakerVoice struct {
	Speaker string `json:"speaker"`
	VoiceID string `json:"voiceId"`
}

// VoiceSpec is either a single voice identifier or a list of speaker assignments.
type VoiceSpec struct {
	Voice    string
	Speakers []SpeakerVoice
}

// SingleVoice builds a voice spec for one voice.
func SingleVoice(voiceID string) VoiceSpec {
	return VoiceSpec{Voice: voiceID, Speakers: nil}
}

// MultiSpeaker builds a voice spec from speaker assignments.
func MultiSpeaker(speakers ...SpeakerVoice) VoiceSpec {
	return VoiceSpec{Voice: "", Speakers: speakers}
}

// IsMultiSpeaker reports whether the voice spec carries speaker assignments.
func (v VoiceSpec) IsMultiSpeaker() bool {
	return len(v.Speakers) > 0
}

// IsZero reports whether no voice was given at all.
func (v VoiceSpec) IsZero() bool {
	return v.Voice == "" && len(v.Speakers) == 0
}

// VoiceIDs lists every voice identifier referenced by the voice spec.
func (v VoiceSpec) VoiceIDs() []string {
	if !v.IsMultiSpeaker() {
		if v.Voice == "" {
			return []string{}
		}

		return []string{v.Voice}
	}

	ids := make([]string, 0, len(v.Speakers))
	for _, speaker := range v.Speakers {
		ids = append(ids, speaker.VoiceID)
	}

	return ids
}

// PrimaryVoice returns the single voice, or the first speaker's voice.
func (v VoiceSpec) PrimaryVoice() string {
	if v.IsMultiSpeaker() {
		return v.Speakers[0].VoiceID
	}

	return v.Voice
}

// MarshalJSON writes a string for a single voice and a list otherwise.
func (v VoiceSpec) MarshalJSON() ([]byte, error) {
	if v.IsMultiSpeaker() {
		data, err := json.Marshal(v.Speakers)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal speaker voices: %w", err)
		}

		return data, nil
	}

	data, err := json.Marshal(v.Voice)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal voice: %w", err)
	}

	return data, nil
}

// UnmarshalJSON accepts "voiceId", [{"speaker": "A", "voiceId": "x"}] or [{"A": "x"}].
func (v *VoiceSpec) UnmarshalJSON(data []byte) error {
	var raw any

	err := json.Unmarshal(data, &raw)
	if err != nil {
		return fmt.Errorf("failed to unmarshal voice spec: %w", err)
	}

	switch value := raw.(type) {
	case nil:
		*v = VoiceSpec{}
	case string:
		*v = SingleVoice(value)
	case []any:
		speakers, parseErr := parseSpeakerList(value)
		if parseErr != nil {
			return parseErr
		}

		*v = MultiSpeaker(speakers...)
	default:
		return ErrInvalidVoiceSpec
	}

	return nil
}

func parseSpeakerList(items []any) ([]SpeakerVoice, error) {
	speakers := make([]SpeakerVoice, 0, len(items))

	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, ErrInvalidVoiceSpec
		}

		parsed, err := parseSpeakerEntry(entry)
		if err != nil {
			return nil, err
		}

		speakers = append(speakers, parsed...)
	}

	return speakers, nil
}

func parseSpeakerEntry(entry map[string]any) ([]SpeakerVoice, error) {
	speaker, hasSpeaker := entry[fieldSpeaker].(string)
	voiceID, hasVoice := entry[fieldVoiceID].(string)

	if hasSpeaker && hasVoice && len(entry) == 2 {
		return []SpeakerVoice{{Speaker: speaker, VoiceID: voiceID}}, nil
	}

	// {speakerName: voiceId} form; keys sorted so the order is stable.
	names := make([]string, 0, len(entry))
	for name := range entry {
		names = append(names, name)
	}

	sort.Strings(names)

	speakers := make([]SpeakerVoice, 0, len(names))

	for _, name := range names {
		voice, ok := entry[name].(string)
		if !ok {
			return nil, fmt.Errorf("%w: voice for speaker %q is not a string", ErrInvalidVoiceSpec, name)
		}

		speakers = append(speakers, SpeakerVoice{Speaker: name, VoiceID: voice})
	}

	return speakers, nil
}
