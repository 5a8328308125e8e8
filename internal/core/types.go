package core

import "time"

// Supported speech providers.
const (
	ProviderGemini     = "gemini"
	ProviderElevenLabs = "elevenlabs"
)

// Outcome is the result of a whole fulfillment attempt.
type Outcome string

// Ledger outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// FailureKind tells apart the ways a fulfillment attempt can fail.
type FailureKind string

// Failure kinds.
const (
	FailureNone           FailureKind = ""
	FailureInvalidRequest FailureKind = "invalid_request"
	FailurePoolError      FailureKind = "pool_error"
	FailurePoolEmpty      FailureKind = "pool_empty"
	FailureExhausted      FailureKind = "exhausted"
	FailureUpload         FailureKind = "upload"
)

// User-facing failure messages.
const (
	ErrMsgInvalidRequest  = "invalid request"
	ErrMsgPoolUnavailable = "credential pool unavailable"
	ErrMsgNoActiveKeys    = "no active keys available"
	ErrMsgAllKeysFailed   = "all keys failed or quota exceeded"
	ErrMsgUploadFailed    = "upload failed"
)

const maskVisibleChars = 4

// Credential is one rate-limited provider account.
type Credential struct {
	CreatedAt      time.Time `json:"createdAt"`
	LastUsedAt     time.Time `json:"lastUsedAt"`
	LastCheckedAt  time.Time `json:"lastCheckedAt"`
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Provider       string    `json:"provider"`
	Secret         string    `json:"-"`
	Notes          string    `json:"notes"`
	Tier           string    `json:"tier"`
	CharactersUsed int64     `json:"charactersUsed"`
	CharacterQuota int64     `json:"characterQuota"`
	Enabled        bool      `json:"enabled"`
}

// Remaining returns the characters left before the quota is reached.
func (c Credential) Remaining() int64 {
	return c.CharacterQuota - c.CharactersUsed
}

// MaskedSecret hides all but the last few characters of the secret.
func (c Credential) MaskedSecret() string {
	if len(c.Secret) <= maskVisibleChars {
		return "****"
	}

	return "****" + c.Secret[len(c.Secret)-maskVisibleChars:]
}

// ProviderUsage is the usage a provider reports for one credential.
type ProviderUsage struct {
	Tier  string
	Used  int64
	Quota int64
}

// Record is one immutable ledger entry describing a whole fulfillment attempt.
type Record struct {
	CreatedAt      time.Time   `json:"createdAt"`
	ID             string      `json:"id"`
	Text           string      `json:"text"`
	AudioURL       string      `json:"audioUrl,omitempty"`
	CredentialID   string      `json:"credentialId,omitempty"`
	CredentialName string      `json:"credentialName,omitempty"`
	Outcome        Outcome     `json:"outcome"`
	Kind           FailureKind `json:"kind,omitempty"`
	Error          string      `json:"error,omitempty"`
	UserID         string      `json:"userId,omitempty"`
	FileID         string      `json:"fileId,omitempty"`
	Voices         []string    `json:"voices"`
	Details        []string    `json:"details,omitempty"`
	CharactersUsed int64       `json:"charactersUsed"`
	DurationMs     int64       `json:"durationMs"`
}

// DialogueLine is one spoken line of a multi-speaker conversation.
type DialogueLine struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Request is an ephemeral generation request.
type Request struct {
	Text   string         `json:"text,omitempty"`
	FileID string         `json:"fileId,omitempty"`
	Folder string         `json:"folder,omitempty"`
	UserID string         `json:"userId,omitempty"`
	Voice  VoiceSpec      `json:"voiceSpec"`
	Lines  []DialogueLine `json:"lines,omitempty"`
}

// Result is what a fulfillment attempt returns to its caller.
type Result struct {
	AudioURL       string      `json:"audioUrl,omitempty"`
	UsedKey        string      `json:"usedKey,omitempty"`
	Error          string      `json:"error,omitempty"`
	Kind           FailureKind `json:"kind,omitempty"`
	RecordID       string      `json:"recordId,omitempty"`
	Details        []string    `json:"details,omitempty"`
	DurationMs     int64       `json:"durationMs,omitempty"`
	CharactersUsed int64       `json:"charactersUsed,omitempty"`
	Success        bool        `json:"success"`
}
