// Package keycheck refreshes credential usage from the providers that report it.
package keycheck

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/metrics"
	"github.com/book-expert/tts-fulfillment/internal/tts"
)

// DefaultCheckTimeout bounds one provider usage call.
const DefaultCheckTimeout = 15 * time.Second

// Log messages.
const (
	logCheckFailed    = "Usage check failed for credential %s: %v"
	logCheckUpdated   = "Credential %s usage %d/%d (tier %q)"
	logCheckSummary   = "Key check finished: %d updated, %d unsupported, %d failed"
	logListFailed     = "Key check could not list credentials: %v"
	logPeriodicChecks = "Checking credential usage every %s"
)

// Store is the part of the credential store the checker needs.
type Store interface {
	ListCredentials(ctx context.Context) ([]core.Credential, error)
	MarkChecked(ctx context.Context, id string, usage core.ProviderUsage, checkedAt time.Time) error
	TouchChecked(ctx context.Context, id string, checkedAt time.Time) error
}

// Outcome is the result of checking one credential.
type Outcome struct {
	CredentialID string `json:"credentialId"`
	Name         string `json:"name"`
	Result       string `json:"result"`
	Error        string `json:"error,omitempty"`
	Used         int64  `json:"used"`
	Quota        int64  `json:"quota"`
}

// Summary aggregates one pass over the pool.
type Summary struct {
	Outcomes    []Outcome `json:"outcomes"`
	Updated     int       `json:"updated"`
	Unsupported int       `json:"unsupported"`
	Failed      int       `json:"failed"`
}

// Checker syncs provider-side usage into the credential pool.
type Checker struct {
	store   Store
	source  core.UsageSource
	log     *logger.Logger
	now     func() time.Time
	timeout time.Duration
}

// New creates a checker.
func New(store Store, source core.UsageSource, log *logger.Logger) *Checker {
	return &Checker{
		store:   store,
		source:  source,
		log:     log,
		now:     time.Now,
		timeout: DefaultCheckTimeout,
	}
}

// CheckAll checks every enabled credential once. Per-credential failures are
// reported in the summary, not as an error.
func (c *Checker) CheckAll(ctx context.Context) (Summary, error) {
	credentials, err := c.store.ListCredentials(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to list credentials: %w", err)
	}

	summary := Summary{Outcomes: make([]Outcome, 0, len(credentials))}

	for _, cred := range credentials {
		if !cred.Enabled {
			continue
		}

		outcome := c.checkOne(ctx, cred)
		summary.Outcomes = append(summary.Outcomes, outcome)

		switch outcome.Result {
		case metrics.KeyCheckUpdated:
			summary.Updated++
		case metrics.KeyCheckUnsupported:
			summary.Unsupported++
		default:
			summary.Failed++
		}
	}

	c.log.Info(logCheckSummary, summary.Updated, summary.Unsupported, summary.Failed)

	return summary, nil
}

func (c *Checker) checkOne(ctx context.Context, cred core.Credential) Outcome {
	outcome := Outcome{CredentialID: cred.ID, Name: cred.Name}

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	usage, err := c.source.Usage(checkCtx, cred)

	switch {
	case errors.Is(err, tts.ErrUsageUnsupported):
		outcome.Result = metrics.KeyCheckUnsupported
		err = c.store.TouchChecked(ctx, cred.ID, c.now())
	case err != nil:
		outcome.Result = metrics.KeyCheckFailed
		outcome.Error = err.Error()
		c.log.Warn(logCheckFailed, cred.Name, err)
		err = nil
	default:
		outcome.Result = metrics.KeyCheckUpdated
		outcome.Used = usage.Used
		outcome.Quota = usage.Quota
		c.log.Info(logCheckUpdated, cred.Name, usage.Used, usage.Quota, usage.Tier)
		err = c.store.MarkChecked(ctx, cred.ID, usage, c.now())
	}

	if err != nil {
		outcome.Result = metrics.KeyCheckFailed
		outcome.Error = err.Error()
		c.log.Error(logCheckFailed, cred.Name, err)
	}

	metrics.RecordKeyCheck(outcome.Result)

	return outcome
}

// Run checks the pool every interval until ctx is done.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	c.log.Info(logPeriodicChecks, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := c.CheckAll(ctx)
			if err != nil {
				c.log.Error(logListFailed, err)
			}
		}
	}
}
