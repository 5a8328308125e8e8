package tts

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/tts/audio"
)

// ElevenLabs API defaults.
const (
	DefaultElevenLabsBaseURL = "https://api.elevenlabs.io"
	DefaultElevenLabsModel   = "eleven_multilingual_v2"
	DefaultElevenLabsVoice   = "21m00Tcm4TlvDq8ikWAM"

	elevenLabsProviderName   = "ElevenLabs"
	elevenLabsSpeechPathFmt  = "%s/v1/text-to-speech/%s?output_format=pcm_24000"
	elevenLabsSubscription   = "/v1/user/subscription"
	elevenLabsKeyHeader      = "xi-api-key"
	elevenLabsAcceptAudio    = "audio/pcm"
	errFmtElevenLabsNoSample = "%w: ElevenLabs returned no samples"
)

// ElevenLabsClient generates speech with the ElevenLabs text-to-speech API
// and reads subscription usage for the key check.
type ElevenLabsClient struct {
	api   apiClient
	model string
}

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Subscription is the part of the ElevenLabs subscription we care about.
type Subscription struct {
	Tier           string `json:"tier"`
	CharacterCount int64  `json:"character_count"`
	CharacterLimit int64  `json:"character_limit"`
}

// NewElevenLabsClient creates an ElevenLabs client. An empty baseURL or model
// uses the public endpoint and the default model.
func NewElevenLabsClient(baseURL, model string, timeout time.Duration) *ElevenLabsClient {
	if baseURL == "" {
		baseURL = DefaultElevenLabsBaseURL
	}

	if model == "" {
		model = DefaultElevenLabsModel
	}

	return &ElevenLabsClient{
		api:   newAPIClient(elevenLabsProviderName, baseURL, timeout),
		model: model,
	}
}

// Generate makes one text-to-speech call. ElevenLabs has no multi-speaker
// mode, so a speaker list is voiced with its first speaker's voice.
func (c *ElevenLabsClient) Generate(
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

	voiceID := voice.PrimaryVoice()
	if voiceID == "" {
		voiceID = DefaultElevenLabsVoice
	}

	endpoint := fmt.Sprintf(elevenLabsSpeechPathFmt, c.api.baseURL, url.PathEscape(voiceID))

	pcm, err := c.api.do(ctx, http.MethodPost, endpoint, map[string]string{
		elevenLabsKeyHeader: cred.Secret,
		headerAccept:        elevenLabsAcceptAudio,
	}, elevenLabsRequest{Text: text, ModelID: c.model})
	if err != nil {
		return nil, err
	}

	if len(pcm) == 0 {
		return nil, fmt.Errorf(errFmtElevenLabsNoSample, ErrEmptyAudio)
	}

	return audio.WrapPCM(pcm, audio.DefaultFormat())
}

// Subscription reads the character usage of the account behind secret.
func (c *ElevenLabsClient) Subscription(ctx context.Context, secret string) (Subscription, error) {
	if secret == "" {
		return Subscription{}, ErrSecretEmpty
	}

	body, err := c.api.do(ctx, http.MethodGet, c.api.baseURL+elevenLabsSubscription, map[string]string{
		elevenLabsKeyHeader: secret,
		headerAccept:        contentTypeJSON,
	}, nil)
	if err != nil {
		return Subscription{}, err
	}

	var subscription Subscription

	err = parseJSON(body, &subscription)
	if err != nil {
		return Subscription{}, err
	}

	return subscription, nil
}

// Usage implements core.UsageSource.
func (c *ElevenLabsClient) Usage(ctx context.Context, cred core.Credential) (core.ProviderUsage, error) {
	subscription, err := c.Subscription(ctx, cred.Secret)
	if err != nil {
		return core.ProviderUsage{}, err
	}

	return core.ProviderUsage{
		Tier:  subscription.Tier,
		Used:  subscription.CharacterCount,
		Quota: subscription.CharacterLimit,
	}, nil
}
