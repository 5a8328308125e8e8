package tts_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/tts"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockGenerate = errors.New("mock generate error")

// mockGenerator is a SpeechGenerator that counts calls.
type mockGenerator struct {
	err       error
	providers []string
	calls     int
	mu        sync.Mutex
}

func (m *mockGenerator) Generate(_ context.Context, cred core.Credential, _ string, _ core.VoiceSpec) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.providers = append(m.providers, cred.Provider)

	if m.err != nil {
		return nil, m.err
	}

	return []byte("audio"), nil
}

func (m *mockGenerator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.calls
}

type mockUsage struct{}

func (mockUsage) Usage(_ context.Context, _ core.Credential) (core.ProviderUsage, error) {
	return core.ProviderUsage{Used: 5, Quota: 10}, nil
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "tts-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = testLogger.Close() })

	return testLogger
}

func TestRouter_DispatchesByProvider(t *testing.T) {
	t.Parallel()

	gemini := &mockGenerator{}
	eleven := &mockGenerator{}

	router := tts.NewRouter(core.ProviderGemini)
	router.Register(core.ProviderGemini, gemini)
	router.Register(core.ProviderElevenLabs, eleven)

	_, err := router.Generate(context.Background(), core.Credential{Provider: core.ProviderElevenLabs}, "hi", core.VoiceSpec{})
	require.NoError(t, err)

	_, err = router.Generate(context.Background(), core.Credential{}, "hi", core.VoiceSpec{})
	require.NoError(t, err)

	assert.Equal(t, 1, eleven.callCount())
	assert.Equal(t, 1, gemini.callCount(), "empty provider falls back to the default")
	assert.ElementsMatch(t, []string{core.ProviderGemini, core.ProviderElevenLabs}, router.Providers())
}

func TestRouter_UnknownProvider(t *testing.T) {
	t.Parallel()

	router := tts.NewRouter(core.ProviderGemini)

	_, err := router.Generate(context.Background(), core.Credential{Provider: "acme"}, "hi", core.VoiceSpec{})
	require.ErrorIs(t, err, tts.ErrUnknownProvider)
}

func TestRouter_Usage(t *testing.T) {
	t.Parallel()

	router := tts.NewRouter(core.ProviderGemini)
	router.RegisterUsage(core.ProviderElevenLabs, mockUsage{})

	usage, err := router.Usage(context.Background(), core.Credential{Provider: core.ProviderElevenLabs})
	require.NoError(t, err)
	assert.Equal(t, int64(5), usage.Used)

	_, err = router.Usage(context.Background(), core.Credential{Provider: core.ProviderGemini})
	require.ErrorIs(t, err, tts.ErrUsageUnsupported)
}

func TestBreaker_OpensPerCredential(t *testing.T) {
	t.Parallel()

	failing := &mockGenerator{err: errMockGenerate}
	settings := tts.BreakerSettings{FailureRatio: 0.5, MinRequests: 2, OpenTimeout: time.Minute, Interval: time.Minute}
	breaker := tts.NewBreaker(failing, settings, newTestLogger(t))

	bad := core.Credential{ID: "bad", Name: "bad-key"}
	good := core.Credential{ID: "good", Name: "good-key"}

	for range 2 {
		_, err := breaker.Generate(context.Background(), bad, "hi", core.VoiceSpec{})
		require.ErrorIs(t, err, errMockGenerate)
	}

	assert.Equal(t, gobreaker.StateOpen, breaker.State("bad"))

	_, err := breaker.Generate(context.Background(), bad, "hi", core.VoiceSpec{})
	require.ErrorIs(t, err, tts.ErrBreakerOpen)
	assert.Equal(t, 2, failing.callCount(), "open breaker does not call the API")

	_, err = breaker.Generate(context.Background(), good, "hi", core.VoiceSpec{})
	require.ErrorIs(t, err, errMockGenerate, "other credentials are unaffected")
	assert.Equal(t, gobreaker.StateClosed, breaker.State("good"))
}

func TestBreaker_IgnoresRequestErrors(t *testing.T) {
	t.Parallel()

	badRequest := &tts.APIError{Provider: "Gemini", StatusCode: http.StatusBadRequest, Status: "400 Bad Request"}
	generator := &mockGenerator{err: badRequest}
	settings := tts.BreakerSettings{FailureRatio: 0.5, MinRequests: 1, OpenTimeout: time.Minute, Interval: time.Minute}
	breaker := tts.NewBreaker(generator, settings, newTestLogger(t))

	cred := core.Credential{ID: "k"}

	for range 3 {
		_, err := breaker.Generate(context.Background(), cred, "hi", core.VoiceSpec{})
		require.ErrorAs(t, err, new(*tts.APIError))
	}

	assert.Equal(t, gobreaker.StateClosed, breaker.State("k"))
	assert.Equal(t, 3, generator.callCount())
}
