package tts_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/tts"
	"github.com/book-expert/tts-fulfillment/internal/tts/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestElevenLabsClient_Generate(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 200)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/text-to-speech/voice-a", r.URL.Path)
		assert.Equal(t, "pcm_24000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "xi-secret", r.Header.Get("xi-api-key"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.JSONEq(t, `{"text":"Hello","model_id":"eleven_multilingual_v2"}`, string(body))

		_, _ = w.Write(pcm)
	}))
	t.Cleanup(server.Close)

	client := tts.NewElevenLabsClient(server.URL, "", 5*time.Second)

	voice := core.MultiSpeaker(
		core.SpeakerVoice{Speaker: "Joe", VoiceID: "voice-a"},
		core.SpeakerVoice{Speaker: "Jane", VoiceID: "voice-b"},
	)

	wav, err := client.Generate(context.Background(), core.Credential{Secret: "xi-secret"}, "Hello", voice)
	require.NoError(t, err)
	assert.True(t, audio.IsWAV(wav))
	assert.Len(t, wav, 44+len(pcm))
}

func TestElevenLabsClient_Generate_DetailError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		expected string
		code     string
	}{
		{
			name:     "object detail",
			body:     `{"detail":{"status":"quota_exceeded","message":"This request exceeds your quota."}}`,
			expected: "This request exceeds your quota.",
			code:     "quota_exceeded",
		},
		{name: "string detail", body: `{"detail":"Invalid API key"}`, expected: "Invalid API key", code: ""},
		{name: "plain body", body: `upstream unavailable`, expected: "upstream unavailable", code: ""},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = io.WriteString(w, testCase.body)
			}))
			t.Cleanup(server.Close)

			client := tts.NewElevenLabsClient(server.URL, "", 5*time.Second)

			_, err := client.Generate(context.Background(), core.Credential{Secret: "k"}, "Hi", core.SingleVoice("v"))

			var apiErr *tts.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Contains(t, apiErr.Message, testCase.expected)
			assert.Equal(t, testCase.code, apiErr.Code)
		})
	}
}

func TestElevenLabsClient_Usage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/user/subscription", r.URL.Path)
		assert.Equal(t, "xi-secret", r.Header.Get("xi-api-key"))

		_, _ = io.WriteString(w, `{"tier":"creator","character_count":1200,"character_limit":100000,"status":"active"}`)
	}))
	t.Cleanup(server.Close)

	client := tts.NewElevenLabsClient(server.URL, "", 5*time.Second)

	usage, err := client.Usage(context.Background(), core.Credential{Secret: "xi-secret"})
	require.NoError(t, err)
	assert.Equal(t, core.ProviderUsage{Tier: "creator", Used: 1200, Quota: 100000}, usage)
}

func TestElevenLabsClient_Usage_NoSecret(t *testing.T) {
	t.Parallel()

	client := tts.NewElevenLabsClient("http://127.0.0.1:1", "", time.Second)

	_, err := client.Usage(context.Background(), core.Credential{})
	require.ErrorIs(t, err, tts.ErrSecretEmpty)
}
