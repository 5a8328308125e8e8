// Package core defines the domain types and interfaces shared by the fulfillment service.
package core

import (
	"context"
	"time"
)

// CredentialPool is the persisted set of provider credentials.
//
// Reserve is a conditional increment: it only succeeds while the credential is
// enabled and still has chars of remaining quota, so two concurrent
// fulfillments can never both claim the last slice of a quota.
type CredentialPool interface {
	ListCandidates(ctx context.Context) ([]Credential, error)
	Reserve(ctx context.Context, id string, chars int64) (bool, error)
	Release(ctx context.Context, id string, chars int64) error
	Commit(ctx context.Context, id string, chars int64, usedAt time.Time) error
}

// SpeechGenerator makes exactly one speech API call with one credential.
type SpeechGenerator interface {
	Generate(ctx context.Context, cred Credential, text string, voice VoiceSpec) ([]byte, error)
}

// Uploader pushes a blob to object storage and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, folder, name string) (string, error)
}

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Uploader
	Download(ctx context.Context, key string) ([]byte, error)
}

// Ledger appends fulfillment records. Record never blocks on storage and never
// reports a failure to the caller.
type Ledger interface {
	Record(rec Record)
}

// Fulfiller turns a generation request into a structured result. Reject
// reports a request that could not be decoded; it is ledgered like any other attempt.
type Fulfiller interface {
	Fulfill(ctx context.Context, req Request) Result
	Reject(req Request, reason error) Result
}

// UsageSource reports the provider-side usage of a credential.
type UsageSource interface {
	Usage(ctx context.Context, cred Credential) (ProviderUsage, error)
}
