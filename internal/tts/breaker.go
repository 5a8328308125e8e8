package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/metrics"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Breaker defaults.
const (
	DefaultBreakerFailureRatio = 0.6
	DefaultBreakerMinRequests  = 3
	DefaultBreakerOpenTimeout  = 2 * time.Minute
	DefaultBreakerInterval     = 5 * time.Minute

	breakerHalfOpenRequests = 1
)

// Log messages.
const (
	logBreakerStateChange = "Circuit breaker for credential %s: %s -> %s"
)

// ErrBreakerOpen is returned without calling the API while a credential's
// breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerSettings tunes when a credential's breaker opens.
type BreakerSettings struct {
	FailureRatio float64
	MinRequests  uint32
	OpenTimeout  time.Duration
	Interval     time.Duration
}

// DefaultBreakerSettings returns the settings used when none are configured.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureRatio: DefaultBreakerFailureRatio,
		MinRequests:  DefaultBreakerMinRequests,
		OpenTimeout:  DefaultBreakerOpenTimeout,
		Interval:     DefaultBreakerInterval,
	}
}

// Breaker wraps a generator with one circuit breaker per credential.
type Breaker struct {
	next     core.SpeechGenerator
	log      *logger.Logger
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
	settings BreakerSettings
	mu       sync.Mutex
}

// NewBreaker wraps next.
func NewBreaker(next core.SpeechGenerator, settings BreakerSettings, log *logger.Logger) *Breaker {
	return &Breaker{
		next:     next,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte]),
		settings: settings,
	}
}

// Generate implements core.SpeechGenerator.
func (b *Breaker) Generate(
	ctx context.Context,
	cred core.Credential,
	text string,
	voice core.VoiceSpec,
) ([]byte, error) {
	data, err := b.breakerFor(cred).Execute(func() ([]byte, error) {
		return b.next.Generate(ctx, cred, text, voice)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrBreakerOpen, err)
	}

	return data, err
}

// State returns the breaker state of a credential, closed when it was never used.
func (b *Breaker) State(credentialID string) gobreaker.State {
	b.mu.Lock()
	defer b.mu.Unlock()

	breaker, ok := b.breakers[credentialID]
	if !ok {
		return gobreaker.StateClosed
	}

	return breaker.State()
}

func (b *Breaker) breakerFor(cred core.Credential) *gobreaker.CircuitBreaker[[]byte] {
	b.mu.Lock()
	defer b.mu.Unlock()

	breaker, ok := b.breakers[cred.ID]
	if ok {
		return breaker
	}

	settings := b.settings
	label := cred.Name
	if label == "" {
		label = cred.ID
	}

	breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        label,
		MaxRequests: breakerHalfOpenRequests,
		Interval:    settings.Interval,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}

			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn(logBreakerStateChange, name, from, to)
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
			metrics.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
		IsSuccessful: isBreakerSuccess,
	})

	metrics.BreakerState.WithLabelValues(label).Set(stateValue(gobreaker.StateClosed))
	b.breakers[cred.ID] = breaker

	return breaker
}

// isBreakerSuccess does not count request-shaped failures against a credential.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrTextEmpty) || errors.Is(err, ErrTooManySpeakers) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Retryable()
	}

	return false
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
