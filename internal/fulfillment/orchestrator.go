// Package fulfillment turns a speech request into stored audio by failing over
// across the credential pool.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/metrics"
	"github.com/book-expert/tts-fulfillment/internal/tts/text"
	"github.com/book-expert/tts-fulfillment/internal/tts/ttsutils"
	"github.com/google/uuid"
)

// Defaults.
const (
	DefaultGenerationTimeout = 60 * time.Second
	DefaultUploadTimeout     = 30 * time.Second
	DefaultFolder            = "audio"
)

// Per-candidate detail formats.
const (
	detailFmtGenerate     = "%s: %v"
	detailFmtReserve      = "%s: failed to reserve quota: %v"
	detailFmtReserveLost  = "%s: quota claimed concurrently"
	detailFmtCanceled     = "fulfillment canceled: %v"
	detailFmtPoolFailure  = "failed to list credentials: %v"
	detailFmtInvalidInput = "%v"
	detailFmtUpload       = "%s: %v"
)

// Log messages.
const (
	logFulfillStart     = "Fulfilling file %s for user %q (%d characters, %d candidates)"
	logCandidateFailed  = "Credential %s failed for file %s: %v"
	logReleaseFailed    = "Failed to release %d characters on credential %s: %v"
	logCommitFailed     = "Failed to mark credential %s as used: %v"
	logFulfillSucceeded = "Fulfilled file %s with credential %s in %dms: %s"
	logUploaded         = "Stored %s of audio for file %s"
	logFulfillFailed    = "Fulfillment of file %s failed (%s): %s"
)

// ErrNoAudio is a generator success that carried no audio bytes.
var ErrNoAudio = errors.New("generator returned no audio")

// Config tunes the orchestrator.
type Config struct {
	GenerationTimeout time.Duration
	UploadTimeout     time.Duration
	DefaultFolder     string
}

// Orchestrator implements core.Fulfiller.
type Orchestrator struct {
	pool         core.CredentialPool
	generator    core.SpeechGenerator
	uploader     core.Uploader
	ledger       core.Ledger
	preprocessor *text.Preprocessor
	log          *logger.Logger
	now          func() time.Time
	newID        func() string
	cfg          Config
}

// New creates an orchestrator. Zero config values fall back to the defaults.
func New(
	pool core.CredentialPool,
	generator core.SpeechGenerator,
	uploader core.Uploader,
	ledger core.Ledger,
	cfg Config,
	log *logger.Logger,
) *Orchestrator {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultGenerationTimeout
	}

	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}

	if cfg.DefaultFolder == "" {
		cfg.DefaultFolder = DefaultFolder
	}

	return &Orchestrator{
		pool:         pool,
		generator:    generator,
		uploader:     uploader,
		ledger:       ledger,
		preprocessor: text.NewPreprocessor(),
		log:          log,
		now:          time.Now,
		newID:        uuid.NewString,
		cfg:          cfg,
	}
}

// SetClock replaces the wall clock used for durations and last-used stamps.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// attempt carries the state of one Fulfill call.
type attempt struct {
	started time.Time
	req     core.Request
	prompt  string
	needed  int64
	details []string
}

// Fulfill runs one fulfillment cycle. It never returns an error: every
// failure is reported in the result, and exactly one ledger record is written.
func (o *Orchestrator) Fulfill(ctx context.Context, req core.Request) core.Result {
	run := &attempt{started: o.now(), req: req}

	prompt, err := o.preprocessor.Prompt(req)
	if err != nil {
		run.details = append(run.details, fmt.Sprintf(detailFmtInvalidInput, err))

		return o.fail(run, core.FailureInvalidRequest, core.ErrMsgInvalidRequest, nil)
	}

	run.prompt = prompt
	run.needed = text.CharacterCount(prompt)

	if ttsutils.SanitizeFilename(run.req.FileID) == "" {
		run.req.FileID = o.newID()
	}

	if run.req.Folder == "" {
		run.req.Folder = o.cfg.DefaultFolder
	}

	candidates, err := o.pool.ListCandidates(ctx)
	if err != nil {
		metrics.RecordAttempt(metrics.AttemptPoolError)
		run.details = append(run.details, fmt.Sprintf(detailFmtPoolFailure, err))

		return o.fail(run, core.FailurePoolError, core.ErrMsgPoolUnavailable, nil)
	}

	if len(candidates) == 0 {
		return o.fail(run, core.FailurePoolEmpty, core.ErrMsgNoActiveKeys, nil)
	}

	o.log.Info(logFulfillStart, run.req.FileID, run.req.UserID, run.needed, len(candidates))

	winner, audioData, found := o.selectAndGenerate(ctx, run, candidates)
	if !found {
		return o.fail(run, core.FailureExhausted, core.ErrMsgAllKeysFailed, nil)
	}

	audioURL, err := o.upload(ctx, run, audioData)
	if err != nil {
		o.release(winner, run.needed)
		run.details = append(run.details, fmt.Sprintf(detailFmtUpload, winner.Name, err))

		return o.fail(run, core.FailureUpload, core.ErrMsgUploadFailed, &winner)
	}

	return o.succeed(run, winner, audioURL)
}

// selectAndGenerate walks the candidates in pool order and returns the first
// one whose generation succeeds. A candidate's quota is reserved before its
// API call and released again when the call fails.
func (o *Orchestrator) selectAndGenerate(
	ctx context.Context,
	run *attempt,
	candidates []core.Credential,
) (core.Credential, []byte, bool) {
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			run.details = append(run.details, fmt.Sprintf(detailFmtCanceled, ctx.Err()))

			break
		}

		if candidate.Remaining() < run.needed {
			metrics.RecordAttempt(metrics.AttemptSkipped)

			continue
		}

		reserved, err := o.pool.Reserve(ctx, candidate.ID, run.needed)
		if err != nil {
			metrics.RecordAttempt(metrics.AttemptPoolError)
			run.details = append(run.details, fmt.Sprintf(detailFmtReserve, candidate.Name, err))

			continue
		}

		if !reserved {
			metrics.RecordAttempt(metrics.AttemptReserveLost)
			run.details = append(run.details, fmt.Sprintf(detailFmtReserveLost, candidate.Name))

			continue
		}

		audioData, err := o.generate(ctx, candidate, run)
		if err != nil {
			metrics.RecordAttempt(metrics.AttemptFailed)
			o.log.Warn(logCandidateFailed, candidate.Name, run.req.FileID, err)
			o.release(candidate, run.needed)
			run.details = append(run.details, fmt.Sprintf(detailFmtGenerate, candidate.Name, err))

			continue
		}

		metrics.RecordAttempt(metrics.AttemptGenerated)

		return candidate, audioData, true
	}

	return core.Credential{}, nil, false
}

func (o *Orchestrator) generate(ctx context.Context, candidate core.Credential, run *attempt) ([]byte, error) {
	generateCtx, cancel := context.WithTimeout(ctx, o.cfg.GenerationTimeout)
	defer cancel()

	audioData, err := o.generator.Generate(generateCtx, candidate, run.prompt, run.req.Voice)
	if err != nil {
		return nil, err
	}

	if len(audioData) == 0 {
		return nil, ErrNoAudio
	}

	return audioData, nil
}

func (o *Orchestrator) upload(ctx context.Context, run *attempt, audioData []byte) (string, error) {
	uploadCtx, cancel := context.WithTimeout(ctx, o.cfg.UploadTimeout)
	defer cancel()

	started := time.Now()
	audioURL, err := o.uploader.Upload(uploadCtx, audioData, run.req.Folder, ttsutils.AudioFileName(run.req.FileID))
	metrics.RecordUpload(len(audioData), time.Since(started), err)

	if err == nil {
		o.log.Info(logUploaded, ttsutils.FormatFileSize(int64(len(audioData))), run.req.FileID)
	}

	return audioURL, err
}

// release gives back a reservation. It runs detached from the request
// context so a canceled request still returns its quota.
func (o *Orchestrator) release(candidate core.Credential, chars int64) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.UploadTimeout)
	defer cancel()

	err := o.pool.Release(ctx, candidate.ID, chars)
	if err != nil {
		o.log.Error(logReleaseFailed, chars, candidate.Name, err)
	}
}

func (o *Orchestrator) succeed(run *attempt, winner core.Credential, audioURL string) core.Result {
	finished := o.now()

	commitCtx, cancel := context.WithTimeout(context.Background(), o.cfg.UploadTimeout)
	defer cancel()

	err := o.pool.Commit(commitCtx, winner.ID, run.needed, finished)
	if err != nil {
		o.log.Error(logCommitFailed, winner.Name, err)
	}

	durationMs := finished.Sub(run.started).Milliseconds()
	rec := o.newRecord(run, finished, core.OutcomeSuccess, core.FailureNone, "")
	rec.AudioURL = audioURL
	rec.CredentialID = winner.ID
	rec.CredentialName = winner.Name
	rec.CharactersUsed = run.needed
	o.ledger.Record(rec)

	metrics.RecordFulfillment(string(core.OutcomeSuccess), string(core.FailureNone), finished.Sub(run.started), run.needed)
	o.log.Info(logFulfillSucceeded, run.req.FileID, winner.Name, durationMs, audioURL)

	return core.Result{
		Success:        true,
		AudioURL:       audioURL,
		UsedKey:        winner.Name,
		RecordID:       rec.ID,
		DurationMs:     durationMs,
		CharactersUsed: run.needed,
	}
}

// Reject records a request that never reached Fulfill because its payload
// could not be decoded, and returns the invalid request result.
func (o *Orchestrator) Reject(req core.Request, reason error) core.Result {
	run := &attempt{
		started: o.now(),
		req:     req,
		details: []string{fmt.Sprintf(detailFmtInvalidInput, reason)},
	}

	return o.fail(run, core.FailureInvalidRequest, core.ErrMsgInvalidRequest, nil)
}

// fail writes the failure record and builds the failure result. winner is set
// only when generation succeeded and a later step failed.
func (o *Orchestrator) fail(run *attempt, kind core.FailureKind, message string, winner *core.Credential) core.Result {
	finished := o.now()

	rec := o.newRecord(run, finished, core.OutcomeFailure, kind, message)
	rec.Details = run.details

	if winner != nil {
		rec.CredentialID = winner.ID
		rec.CredentialName = winner.Name
		rec.CharactersUsed = run.needed
	}

	o.ledger.Record(rec)

	metrics.RecordFulfillment(string(core.OutcomeFailure), string(kind), finished.Sub(run.started), 0)
	o.log.Warn(logFulfillFailed, run.req.FileID, kind, message)

	return core.Result{
		Success:    false,
		Error:      message,
		Kind:       kind,
		Details:    run.details,
		RecordID:   rec.ID,
		DurationMs: finished.Sub(run.started).Milliseconds(),
	}
}

func (o *Orchestrator) newRecord(
	run *attempt,
	finished time.Time,
	outcome core.Outcome,
	kind core.FailureKind,
	message string,
) core.Record {
	recordText := run.prompt
	if recordText == "" {
		recordText = run.req.Text
	}

	return core.Record{
		ID:         o.newID(),
		CreatedAt:  finished,
		Text:       recordText,
		Voices:     run.req.Voice.VoiceIDs(),
		Outcome:    outcome,
		Kind:       kind,
		Error:      message,
		UserID:     run.req.UserID,
		FileID:     run.req.FileID,
		DurationMs: finished.Sub(run.started).Milliseconds(),
	}
}
