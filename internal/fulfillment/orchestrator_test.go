package fulfillment_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/db"
	"github.com/book-expert/tts-fulfillment/internal/fulfillment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errMockGenerate = errors.New("mock quota exceeded")
	errMockUpload   = errors.New("mock upload error")
	errMockList     = errors.New("mock database offline")
)

// mockGenerator records which credentials it was called with, in order.
type mockGenerator struct {
	failFor    map[string]bool
	block      bool
	calls      []string
	texts      []string
	shouldFail bool
	mu         sync.Mutex
}

func (m *mockGenerator) Generate(ctx context.Context, cred core.Credential, text string, _ core.VoiceSpec) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cred.Name)
	m.texts = append(m.texts, text)
	block := m.block && len(m.calls) == 1
	fail := m.shouldFail || m.failFor[cred.Name]
	m.mu.Unlock()

	if block {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	if fail {
		return nil, errMockGenerate
	}

	return []byte("RIFF....WAVEaudio"), nil
}

func (m *mockGenerator) calledWith() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.calls...)
}

type mockUploader struct {
	folder     string
	name       string
	data       []byte
	uploads    int
	shouldFail bool
	mu         sync.Mutex
}

func (m *mockUploader) Upload(_ context.Context, data []byte, folder, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.uploads++

	if m.shouldFail {
		return "", errMockUpload
	}

	m.folder = folder
	m.name = name
	m.data = data

	return "https://cdn.example.com/" + folder + "/" + name, nil
}

type mockLedger struct {
	records []core.Record
	mu      sync.Mutex
}

func (m *mockLedger) Record(rec core.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = append(m.records, rec)
}

func (m *mockLedger) all() []core.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]core.Record(nil), m.records...)
}

// failingPool fails to list candidates.
type failingPool struct {
	core.CredentialPool
}

func (failingPool) ListCandidates(_ context.Context) ([]core.Credential, error) {
	return nil, errMockList
}

type harness struct {
	database  *db.DB
	generator *mockGenerator
	uploader  *mockUploader
	ledger    *mockLedger
	orch      *fulfillment.Orchestrator
}

func newHarness(t *testing.T, cfg fulfillment.Config) *harness {
	t.Helper()

	database, err := db.New(context.Background(), filepath.Join(t.TempDir(), "pool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	testLogger, err := logger.New(t.TempDir(), "fulfillment-test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testLogger.Close() })

	h := &harness{
		database:  database,
		generator: &mockGenerator{failFor: map[string]bool{}},
		uploader:  &mockUploader{},
		ledger:    &mockLedger{},
	}
	h.orch = fulfillment.New(database, h.generator, h.uploader, h.ledger, cfg, testLogger)

	return h
}

func (h *harness) addCredential(t *testing.T, name string, quota, used int64, lastUsed time.Time) core.Credential {
	t.Helper()

	cred := core.Credential{
		Name:           name,
		Provider:       core.ProviderGemini,
		Secret:         "secret-" + name,
		CharacterQuota: quota,
		CharactersUsed: used,
		LastUsedAt:     lastUsed,
		Enabled:        true,
	}
	require.NoError(t, h.database.CreateCredential(context.Background(), &cred))

	return cred
}

func (h *harness) credential(t *testing.T, id string) core.Credential {
	t.Helper()

	cred, err := h.database.GetCredential(context.Background(), id)
	require.NoError(t, err)

	return cred
}

func helloRequest() core.Request {
	return core.Request{Text: "hello", Voice: core.SingleVoice("Kore"), FileID: "file-1", UserID: "user-1"}
}

func TestFulfill_SuccessEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{})
	credA := h.addCredential(t, "A", 10, 0, time.Time{})

	started := time.Now()
	result := h.orch.Fulfill(context.Background(), helloRequest())

	require.True(t, result.Success, result.Error)
	assert.Equal(t, int64(5), result.CharactersUsed)
	assert.Equal(t, "A", result.UsedKey)
	assert.Equal(t, "https://cdn.example.com/audio/file-1.wav", result.AudioURL)
	assert.GreaterOrEqual(t, result.DurationMs, int64(0))

	stored := h.credential(t, credA.ID)
	assert.Equal(t, int64(5), stored.CharactersUsed)
	assert.False(t, stored.LastUsedAt.Before(started.Truncate(time.Microsecond)), "last used is at or after the attempt start")

	records := h.ledger.all()
	require.Len(t, records, 1)
	assert.Equal(t, core.OutcomeSuccess, records[0].Outcome)
	assert.Equal(t, result.RecordID, records[0].ID)
	assert.Equal(t, "A", records[0].CredentialName)
	assert.Equal(t, int64(5), records[0].CharactersUsed)
	assert.Equal(t, result.AudioURL, records[0].AudioURL)
	assert.Equal(t, []string{"Kore"}, records[0].Voices)
	assert.Equal(t, "user-1", records[0].UserID)
}

func TestFulfill_InsufficientQuotaEverywhere(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{})
	credA := h.addCredential(t, "A", 3, 0, time.Time{})

	result := h.orch.Fulfill(context.Background(), helloRequest())

	assert.False(t, result.Success)
	assert.Equal(t, core.ErrMsgAllKeysFailed, result.Error)
	assert.Equal(t, core.FailureExhausted, result.Kind)
	assert.Empty(t, result.Details, "skips are not failures")
	assert.Empty(t, h.generator.calledWith(), "no adapter call for a credential without quota")
	assert.Equal(t, int64(0), h.credential(t, credA.ID).CharactersUsed)

	records := h.ledger.all()
	require.Len(t, records, 1)
	assert.Equal(t, core.OutcomeFailure, records[0].Outcome)
	assert.Equal(t, core.ErrMsgAllKeysFailed, records[0].Error)
}

func TestFulfill_EmptyPool(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{})
	disabled := h.addCredential(t, "retired", 100, 0, time.Time{})
	require.NoError(t, h.database.SetCredentialEnabled(context.Background(), disabled.ID, false))

	result := h.orch.Fulfill(context.Background(), helloRequest())

	assert.False(t, result.Success)
	assert.Equal(t, core.ErrMsgNoActiveKeys, result.Error)
	assert.Equal(t, core.FailurePoolEmpty, result.Kind)
	assert.Empty(t, h.generator.calledWith())

	records := h.ledger.all()
	require.Len(t, records, 1)
	assert.Equal(t, core.ErrMsgNoActiveKeys, records[0].Error)
}

func TestFulfill_CandidateOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{})
	t0 := time.Now().Add(-2 * time.Hour)
	t1 := time.Now().Add(-time.Hour)
	h.addCredential(t, "B", 100, 0, t1)
	h.addCredential(t, "A", 100, 0, t0)
	h.generator.shouldFail = true

	result := h.orch.Fulfill(context.Background(), helloRequest())

	assert.False(t, result.Success)
	assert.Equal(t, []string{"A", "B"}, h.generator.calledWith(), "oldest last-used first")
	assert.Equal(t, []string{"A: mock quota exceeded", "B: mock quota exceeded"}, result.Details)
	require.Len(t, h.ledger.all(), 1, "one record per attempt, not per credential")
}

func TestFulfill_SkipWithoutAttempt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{})
	small := h.addCredential(t, "small", 4, 0, time.Time{})
	big := h.addCredential(t, "big", 100, 0, time.Now())

	result := h.orch.Fulfill(context.Background(), helloRequest())

	require.True(t, result.Success)
	assert.Equal(t, []string{"big"}, h.generator.calledWith())
	assert.Equal(t, int64(0), h.credential(t, small.ID).CharactersUsed)
	assert.Equal(t, int64(5), h.credential(t, big.ID).CharactersUsed)
}

func TestFulfill_FailoverToNextCredential(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{})
	credA := h.addCredential(t, "A", 100, 0, time.Time{})
	credB := h.addCredential(t, "B", 100, 0, time.Now())
	h.generator.failFor["A"] = true

	result := h.orch.Fulfill(context.Background(), helloRequest())

	require.True(t, result.Success)
	assert.Equal(t, "B", result.UsedKey)
	assert.Equal(t, []string{"A", "B"}, h.generator.calledWith())
	assert.Equal(t, int64(0), h.credential(t, credA.ID).CharactersUsed, "failed reservation is released")
	assert.Equal(t, int64(5), h.credential(t, credB.ID).CharactersUsed)
	assert.True(t, h.credential(t, credA.ID).LastUsedAt.IsZero())
}

func TestFulfill_UploadFailureLeavesUsageUnchanged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{})
	credA := h.addCredential(t, "A", 100, 0, time.Time{})
	h.uploader.shouldFail = true

	result := h.orch.Fulfill(context.Background(), helloRequest())

	assert.False(t, result.Success)
	assert.Equal(t, core.ErrMsgUploadFailed, result.Error)
	assert.Equal(t, core.FailureUpload, result.Kind)
	assert.Equal(t, []string{"A"}, h.generator.calledWith(), "upload is not retried on another credential")

	stored := h.credential(t, credA.ID)
	assert.Equal(t, int64(0), stored.CharactersUsed)
	assert.True(t, stored.LastUsedAt.IsZero())

	records := h.ledger.all()
	require.Len(t, records, 1)
	assert.Equal(t, core.OutcomeFailure, records[0].Outcome)
	assert.Equal(t, core.FailureUpload, records[0].Kind)
	assert.Equal(t, "A", records[0].CredentialName)
	assert.Equal(t, int64(5), records[0].CharactersUsed)
}

func TestFulfill_EachCallIsIndependent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{})
	credA := h.addCredential(t, "A", 100, 0, time.Time{})

	first := h.orch.Fulfill(context.Background(), helloRequest())
	second := h.orch.Fulfill(context.Background(), helloRequest())

	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.NotEqual(t, first.RecordID, second.RecordID)
	assert.Len(t, h.generator.calledWith(), 2, "identical input is generated again")
	assert.Equal(t, int64(10), h.credential(t, credA.ID).CharactersUsed)
	assert.Len(t, h.ledger.all(), 2)
}

func TestFulfill_GenerationTimeoutFailsOver(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{GenerationTimeout: 50 * time.Millisecond})
	credA := h.addCredential(t, "slow", 100, 0, time.Time{})
	h.addCredential(t, "fast", 100, 0, time.Now())
	h.generator.block = true

	result := h.orch.Fulfill(context.Background(), helloRequest())

	require.True(t, result.Success)
	assert.Equal(t, "fast", result.UsedKey)
	assert.Equal(t, int64(0), h.credential(t, credA.ID).CharactersUsed)
}

func TestFulfill_InvalidRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{})
	h.addCredential(t, "A", 100, 0, time.Time{})

	result := h.orch.Fulfill(context.Background(), core.Request{Text: "   "})

	assert.False(t, result.Success)
	assert.Equal(t, core.FailureInvalidRequest, result.Kind)
	assert.Empty(t, h.generator.calledWith())
	require.Len(t, h.ledger.all(), 1)
}

func TestReject_WritesOneRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{})
	h.addCredential(t, "A", 100, 0, time.Time{})

	result := h.orch.Reject(core.Request{UserID: "user-1", FileID: "wf-1"}, errors.New("unexpected end of JSON input"))

	assert.False(t, result.Success)
	assert.Equal(t, core.FailureInvalidRequest, result.Kind)
	assert.Equal(t, core.ErrMsgInvalidRequest, result.Error)
	assert.Equal(t, []string{"unexpected end of JSON input"}, result.Details)
	assert.Empty(t, h.generator.calledWith())

	records := h.ledger.all()
	require.Len(t, records, 1)
	assert.Equal(t, result.RecordID, records[0].ID)
	assert.Equal(t, core.FailureInvalidRequest, records[0].Kind)
	assert.Equal(t, "user-1", records[0].UserID)
	assert.Equal(t, "wf-1", records[0].FileID)
}

func TestFulfill_PoolError(t *testing.T) {
	t.Parallel()

	testLogger, err := logger.New(t.TempDir(), "fulfillment-test.log")
	require.NoError(t, err)

	generator := &mockGenerator{}
	ledger := &mockLedger{}
	orch := fulfillment.New(failingPool{}, generator, &mockUploader{}, ledger, fulfillment.Config{}, testLogger)

	result := orch.Fulfill(context.Background(), helloRequest())

	assert.False(t, result.Success)
	assert.Equal(t, core.FailurePoolError, result.Kind)
	assert.Equal(t, core.ErrMsgPoolUnavailable, result.Error)
	require.Len(t, result.Details, 1)
	assert.Contains(t, result.Details[0], errMockList.Error())
	assert.Empty(t, generator.calledWith())
	assert.Len(t, ledger.all(), 1)
}

func TestFulfill_MultiSpeakerTranscript(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{DefaultFolder: "dialogues"})
	credA := h.addCredential(t, "A", 100, 0, time.Time{})

	result := h.orch.Fulfill(context.Background(), core.Request{
		FileID: "talk",
		Lines: []core.DialogueLine{
			{Speaker: "Joe", Text: "Hi"},
			{Speaker: "Jane", Text: "Hey"},
		},
		Voice: core.MultiSpeaker(
			core.SpeakerVoice{Speaker: "Joe", VoiceID: "Kore"},
			core.SpeakerVoice{Speaker: "Jane", VoiceID: "Puck"},
		),
	})

	transcript := "Joe: Hi\nJane: Hey"

	require.True(t, result.Success, result.Error)
	assert.Equal(t, []string{transcript}, h.generator.texts)
	assert.Equal(t, int64(len(transcript)), result.CharactersUsed)
	assert.Equal(t, int64(len(transcript)), h.credential(t, credA.ID).CharactersUsed)
	assert.Equal(t, "dialogues", h.uploader.folder)
	assert.Equal(t, "talk.wav", h.uploader.name)

	records := h.ledger.all()
	require.Len(t, records, 1)
	assert.Equal(t, transcript, records[0].Text)
	assert.Equal(t, []string{"Kore", "Puck"}, records[0].Voices)
}

func TestFulfill_UnusableFileIDGetsGeneratedName(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{})
	h.addCredential(t, "A", 100, 0, time.Time{})

	names := make(map[string]bool)

	for _, fileID := range []string{".", "..", "...", "  .  "} {
		req := helloRequest()
		req.FileID = fileID

		result := h.orch.Fulfill(context.Background(), req)
		require.True(t, result.Success, result.Error)

		h.uploader.mu.Lock()
		name := h.uploader.name
		h.uploader.mu.Unlock()

		assert.Regexp(t, `^[0-9a-f-]{36}\.wav$`, name, "file id %q", fileID)
		names[name] = true
	}

	assert.Len(t, names, 4, "every upload gets its own object")
}

func TestFulfill_ChargesNormalizedPrompt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{})
	credA := h.addCredential(t, "A", 100, 0, time.Time{})

	req := helloRequest()
	req.Text = "  a   b  "

	result := h.orch.Fulfill(context.Background(), req)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, []string{"a b"}, h.generator.texts)
	assert.Equal(t, int64(3), result.CharactersUsed, "only the text sent to the provider is charged")
	assert.Equal(t, int64(3), h.credential(t, credA.ID).CharactersUsed)
}

func TestFulfill_ConcurrentAttemptsNeverExceedQuota(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{})
	credA := h.addCredential(t, "A", 10, 0, time.Time{})

	const attempts = 6

	results := make(chan core.Result, attempts)

	var wg sync.WaitGroup
	for range attempts {
		wg.Add(1)

		go func() {
			defer wg.Done()

			results <- h.orch.Fulfill(context.Background(), helloRequest())
		}()
	}

	wg.Wait()
	close(results)

	successes := 0
	for result := range results {
		if result.Success {
			successes++
		}
	}

	assert.Equal(t, 2, successes)
	assert.Equal(t, int64(10), h.credential(t, credA.ID).CharactersUsed)
	assert.Len(t, h.ledger.all(), attempts)
}

func TestFulfill_FixedClock(t *testing.T) {
	t.Parallel()

	h := newHarness(t, fulfillment.Config{})
	credA := h.addCredential(t, "A", 100, 0, time.Time{})

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ticks := 0
	h.orch.SetClock(func() time.Time {
		ticks++

		return base.Add(time.Duration(ticks) * 250 * time.Millisecond)
	})

	result := h.orch.Fulfill(context.Background(), helloRequest())

	require.True(t, result.Success)
	assert.Equal(t, int64(250), result.DurationMs)
	assert.True(t, h.credential(t, credA.ID).LastUsedAt.Equal(base.Add(500*time.Millisecond)))
}
