package keycheck_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/db"
	"github.com/book-expert/tts-fulfillment/internal/keycheck"
	"github.com/book-expert/tts-fulfillment/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockProvider = errors.New("mock provider down")

// mockUsage answers by provider: elevenlabs reports usage, gemini is
// unsupported, anything else fails.
type mockUsage struct{}

func (mockUsage) Usage(_ context.Context, cred core.Credential) (core.ProviderUsage, error) {
	switch cred.Provider {
	case core.ProviderElevenLabs:
		return core.ProviderUsage{Tier: "creator", Used: 700, Quota: 100000}, nil
	case core.ProviderGemini:
		return core.ProviderUsage{}, fmt.Errorf("%w: %q", tts.ErrUsageUnsupported, cred.Provider)
	default:
		return core.ProviderUsage{}, errMockProvider
	}
}

func TestCheckAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	database, err := db.New(ctx, filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	testLogger, err := logger.New(t.TempDir(), "keycheck-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testLogger.Close() })

	eleven := core.Credential{Name: "eleven", Provider: core.ProviderElevenLabs, Secret: "a", CharacterQuota: 10, Enabled: true}
	gemini := core.Credential{Name: "gemini", Provider: core.ProviderGemini, Secret: "b", CharacterQuota: 50, Enabled: true}
	broken := core.Credential{Name: "broken", Provider: "acme", Secret: "c", CharacterQuota: 5, Enabled: true}
	retired := core.Credential{Name: "retired", Provider: core.ProviderElevenLabs, Secret: "d", Enabled: false}

	for _, cred := range []*core.Credential{&eleven, &gemini, &broken, &retired} {
		require.NoError(t, database.CreateCredential(ctx, cred))
	}

	checker := keycheck.New(database, mockUsage{}, testLogger)

	started := time.Now()
	summary, err := checker.CheckAll(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Updated)
	assert.Equal(t, 1, summary.Unsupported)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, summary.Outcomes, 3, "disabled credentials are not checked")

	storedEleven, err := database.GetCredential(ctx, eleven.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), storedEleven.CharactersUsed)
	assert.Equal(t, int64(100000), storedEleven.CharacterQuota)
	assert.Equal(t, "creator", storedEleven.Tier)
	assert.False(t, storedEleven.LastCheckedAt.Before(started))

	storedGemini, err := database.GetCredential(ctx, gemini.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), storedGemini.CharacterQuota, "unsupported providers keep their quota")
	assert.False(t, storedGemini.LastCheckedAt.IsZero())

	storedBroken, err := database.GetCredential(ctx, broken.ID)
	require.NoError(t, err)
	assert.True(t, storedBroken.LastCheckedAt.IsZero(), "failed checks leave last-checked alone")

	storedRetired, err := database.GetCredential(ctx, retired.ID)
	require.NoError(t, err)
	assert.True(t, storedRetired.LastCheckedAt.IsZero())
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	database, err := db.New(context.Background(), filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	testLogger, err := logger.New(t.TempDir(), "keycheck-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testLogger.Close() })

	checker := keycheck.New(database, mockUsage{}, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		checker.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
