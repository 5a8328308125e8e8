package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/tts/audio"
)

// Gemini API defaults.
const (
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel   = "gemini-2.5-flash-preview-tts"
	DefaultGeminiVoice   = "Kore"

	geminiProviderName     = "Gemini"
	geminiGeneratePathFmt  = "%s/v1beta/models/%s:generateContent"
	geminiKeyHeader        = "x-goog-api-key"
	geminiAudioModality    = "AUDIO"
	geminiMaxSpeakers      = 2
	geminiRateParam        = "rate="
	geminiConversationFmt  = "TTS the following conversation between %s:\n%s"
	errFmtGeminiNoAudio    = "%w: no inline audio in Gemini response"
	errFmtGeminiDecode     = "failed to decode Gemini audio: %w"
	errFmtGeminiSpeakers   = "%w: Gemini accepts at most %d speakers, got %d"
	errFmtGeminiFinishNote = "%w: Gemini finished with %s"
)

// GeminiClient generates speech with the Gemini generateContent API.
type GeminiClient struct {
	api   apiClient
	model string
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	SpeechConfig       geminiSpeechConfig `json:"speechConfig"`
	ResponseModalities []string           `json:"responseModalities"`
}

type geminiSpeechConfig struct {
	VoiceConfig             *geminiVoiceConfig             `json:"voiceConfig,omitempty"`
	MultiSpeakerVoiceConfig *geminiMultiSpeakerVoiceConfig `json:"multiSpeakerVoiceConfig,omitempty"`
}

type geminiVoiceConfig struct {
	PrebuiltVoiceConfig geminiPrebuiltVoice `json:"prebuiltVoiceConfig"`
}

type geminiPrebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

type geminiMultiSpeakerVoiceConfig struct {
	SpeakerVoiceConfigs []geminiSpeakerVoiceConfig `json:"speakerVoiceConfigs"`
}

type geminiSpeakerVoiceConfig struct {
	Speaker     string            `json:"speaker"`
	VoiceConfig geminiVoiceConfig `json:"voiceConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		FinishReason string        `json:"finishReason"`
		Content      geminiContent `json:"content"`
	} `json:"candidates"`
}

// NewGeminiClient creates a Gemini TTS client. An empty baseURL or model uses
// the public endpoint and the default TTS model.
func NewGeminiClient(baseURL, model string, timeout time.Duration) *GeminiClient {
	if baseURL == "" {
		baseURL = DefaultGeminiBaseURL
	}

	if model == "" {
		model = DefaultGeminiModel
	}

	return &GeminiClient{
		api:   newAPIClient(geminiProviderName, baseURL, timeout),
		model: model,
	}
}

// Generate makes one generateContent call with the credential's API key and
// returns the audio as a WAV file.
func (c *GeminiClient) Generate(
	ctx context.Context,
	cred core.Credential,
	text string,
	voice core.VoiceSpec,
) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrTextEmpty
	}

	if cred.Secret == "" {
		return nil, ErrSecretEmpty
	}

	request, err := c.buildRequest(text, voice)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf(geminiGeneratePathFmt, c.api.baseURL, c.model)

	body, err := c.api.do(ctx, http.MethodPost, url, map[string]string{
		geminiKeyHeader: cred.Secret,
		headerAccept:    contentTypeJSON,
	}, request)
	if err != nil {
		return nil, err
	}

	return decodeGeminiAudio(body)
}

func (c *GeminiClient) buildRequest(text string, voice core.VoiceSpec) (geminiRequest, error) {
	speechConfig := geminiSpeechConfig{}

	if voice.IsMultiSpeaker() {
		if len(voice.Speakers) > geminiMaxSpeakers {
			return geminiRequest{}, fmt.Errorf(errFmtGeminiSpeakers, ErrTooManySpeakers, geminiMaxSpeakers, len(voice.Speakers))
		}

		configs := make([]geminiSpeakerVoiceConfig, 0, len(voice.Speakers))
		names := make([]string, 0, len(voice.Speakers))

		for _, speaker := range voice.Speakers {
			configs = append(configs, geminiSpeakerVoiceConfig{
				Speaker:     speaker.Speaker,
				VoiceConfig: prebuiltVoice(speaker.VoiceID),
			})
			names = append(names, speaker.Speaker)
		}

		speechConfig.MultiSpeakerVoiceConfig = &geminiMultiSpeakerVoiceConfig{SpeakerVoiceConfigs: configs}
		text = fmt.Sprintf(geminiConversationFmt, strings.Join(names, " and "), text)
	} else {
		voiceConfig := prebuiltVoice(voice.PrimaryVoice())
		speechConfig.VoiceConfig = &voiceConfig
	}

	return geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: text}}}},
		GenerationConfig: geminiGenerationConfig{
			ResponseModalities: []string{geminiAudioModality},
			SpeechConfig:       speechConfig,
		},
	}, nil
}

func prebuiltVoice(voiceID string) geminiVoiceConfig {
	if voiceID == "" {
		voiceID = DefaultGeminiVoice
	}

	return geminiVoiceConfig{PrebuiltVoiceConfig: geminiPrebuiltVoice{VoiceName: voiceID}}
}

// decodeGeminiAudio concatenates the inline PCM parts of the first candidate
// and wraps them in a WAV header.
func decodeGeminiAudio(body []byte) ([]byte, error) {
	var response geminiResponse

	err := parseJSON(body, &response)
	if err != nil {
		return nil, err
	}

	if len(response.Candidates) == 0 {
		return nil, fmt.Errorf(errFmtGeminiNoAudio, ErrEmptyAudio)
	}

	candidate := response.Candidates[0]
	format := audio.DefaultFormat()

	var pcm []byte

	for _, part := range candidate.Content.Parts {
		if part.InlineData == nil || part.InlineData.Data == "" {
			continue
		}

		chunk, decodeErr := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if decodeErr != nil {
			return nil, fmt.Errorf(errFmtGeminiDecode, decodeErr)
		}

		if rate := sampleRateFromMime(part.InlineData.MimeType); rate > 0 {
			format.SampleRate = rate
		}

		pcm = append(pcm, chunk...)
	}

	if len(pcm) == 0 {
		if candidate.FinishReason != "" && candidate.FinishReason != "STOP" {
			return nil, fmt.Errorf(errFmtGeminiFinishNote, ErrEmptyAudio, candidate.FinishReason)
		}

		return nil, fmt.Errorf(errFmtGeminiNoAudio, ErrEmptyAudio)
	}

	return audio.WrapPCM(pcm, format)
}

// sampleRateFromMime reads the rate parameter of "audio/L16;codec=pcm;rate=24000".
func sampleRateFromMime(mimeType string) int {
	for _, param := range strings.Split(mimeType, ";") {
		param = strings.TrimSpace(param)
		if !strings.HasPrefix(param, geminiRateParam) {
			continue
		}

		rate, err := strconv.Atoi(strings.TrimPrefix(param, geminiRateParam))
		if err == nil {
			return rate
		}
	}

	return 0
}
