package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/google/uuid"
)

const credentialColumns = `
	id, name, provider, secret, characters_used, character_quota, enabled,
	last_used_at, last_checked_at, notes, tier, created_at`

// CredentialUpdate carries the administrator-editable fields. Nil fields are left unchanged.
type CredentialUpdate struct {
	Name           *string
	Notes          *string
	Tier           *string
	CharacterQuota *int64
}

// CreateCredential inserts a new credential. ID and CreatedAt are assigned when empty.
func (db *DB) CreateCredential(ctx context.Context, cred *core.Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}

	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID,
		cred.Name,
		cred.Provider,
		cred.Secret,
		cred.CharactersUsed,
		cred.CharacterQuota,
		boolToInt(cred.Enabled),
		toUnixNano(cred.LastUsedAt),
		toUnixNano(cred.LastCheckedAt),
		cred.Notes,
		cred.Tier,
		toUnixNano(cred.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}

	return nil
}

// GetCredential returns one credential by id.
func (db *DB) GetCredential(ctx context.Context, id string) (core.Credential, error) {
	row := db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)

	cred, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Credential{}, fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}

	if err != nil {
		return core.Credential{}, err
	}

	return cred, nil
}

// ListCredentials returns every credential, enabled or not, oldest first.
func (db *DB) ListCredentials(ctx context.Context) ([]core.Credential, error) {
	return db.queryCredentials(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		ORDER BY created_at ASC, id ASC`)
}

// ListCandidates returns enabled credentials, least recently used first.
// Credentials that were never used sort before all others.
func (db *DB) ListCandidates(ctx context.Context) ([]core.Credential, error) {
	return db.queryCredentials(ctx, `
		SELECT `+credentialColumns+`
		FROM credentials
		WHERE enabled = 1
		ORDER BY last_used_at ASC, created_at ASC, id ASC`)
}

// SetCredentialEnabled enables or retires a credential. Credentials are never deleted.
func (db *DB) SetCredentialEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := db.ExecContext(ctx,
		`UPDATE credentials SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("failed to update credential %s: %w", id, err)
	}

	return requireAffected(result, id)
}

// UpdateCredential applies the non-nil fields of update.
func (db *DB) UpdateCredential(ctx context.Context, id string, update CredentialUpdate) (core.Credential, error) {
	cred, err := db.GetCredential(ctx, id)
	if err != nil {
		return core.Credential{}, err
	}

	if update.Name != nil {
		cred.Name = *update.Name
	}

	if update.Notes != nil {
		cred.Notes = *update.Notes
	}

	if update.Tier != nil {
		cred.Tier = *update.Tier
	}

	if update.CharacterQuota != nil {
		cred.CharacterQuota = *update.CharacterQuota
	}

	_, err = db.ExecContext(ctx, `
		UPDATE credentials SET name = ?, notes = ?, tier = ?, character_quota = ?
		WHERE id = ?`,
		cred.Name, cred.Notes, cred.Tier, cred.CharacterQuota, id)
	if err != nil {
		return core.Credential{}, fmt.Errorf("failed to update credential %s: %w", id, err)
	}

	return cred, nil
}

// Reserve adds chars to the usage counter only if the credential is enabled and
// still has chars of quota left. It reports false when the condition no longer holds.
// The in-flight amount is also tracked in characters_reserved until Release or Commit.
func (db *DB) Reserve(ctx context.Context, id string, chars int64) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE credentials
		SET characters_used = characters_used + ?,
			characters_reserved = characters_reserved + ?
		WHERE id = ? AND enabled = 1 AND character_quota - characters_used >= ?`,
		chars, chars, id, chars)
	if err != nil {
		return false, fmt.Errorf("failed to reserve %d characters on %s: %w", chars, id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read reservation result: %w", err)
	}

	return affected == 1, nil
}

// Release gives back characters taken by Reserve.
func (db *DB) Release(ctx context.Context, id string, chars int64) error {
	result, err := db.ExecContext(ctx, `
		UPDATE credentials
		SET characters_used = MAX(characters_used - ?, 0),
			characters_reserved = MAX(characters_reserved - ?, 0)
		WHERE id = ?`,
		chars, chars, id)
	if err != nil {
		return fmt.Errorf("failed to release %d characters on %s: %w", chars, id, err)
	}

	return requireAffected(result, id)
}

// Commit settles a reservation of chars and marks the credential as used at usedAt.
func (db *DB) Commit(ctx context.Context, id string, chars int64, usedAt time.Time) error {
	result, err := db.ExecContext(ctx, `
		UPDATE credentials
		SET characters_reserved = MAX(characters_reserved - ?, 0), last_used_at = ?
		WHERE id = ?`,
		chars, toUnixNano(usedAt), id)
	if err != nil {
		return fmt.Errorf("failed to commit usage on %s: %w", id, err)
	}

	return requireAffected(result, id)
}

// MarkChecked stores the usage reported by the provider and the check time.
// Reservations still in flight stay counted on top of the reported usage.
func (db *DB) MarkChecked(ctx context.Context, id string, usage core.ProviderUsage, checkedAt time.Time) error {
	result, err := db.ExecContext(ctx, `
		UPDATE credentials
		SET characters_used = ? + characters_reserved, character_quota = ?,
			tier = CASE WHEN ? = '' THEN tier ELSE ? END,
			last_checked_at = ?
		WHERE id = ?`,
		usage.Used, usage.Quota, usage.Tier, usage.Tier, toUnixNano(checkedAt), id)
	if err != nil {
		return fmt.Errorf("failed to store check result for %s: %w", id, err)
	}

	return requireAffected(result, id)
}

// TouchChecked records a check time without changing usage.
func (db *DB) TouchChecked(ctx context.Context, id string, checkedAt time.Time) error {
	result, err := db.ExecContext(ctx,
		`UPDATE credentials SET last_checked_at = ? WHERE id = ?`, toUnixNano(checkedAt), id)
	if err != nil {
		return fmt.Errorf("failed to store check time for %s: %w", id, err)
	}

	return requireAffected(result, id)
}

func (db *DB) queryCredentials(ctx context.Context, query string, args ...any) ([]core.Credential, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	credentials := make([]core.Credential, 0)

	for rows.Next() {
		cred, scanErr := scanCredential(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		credentials = append(credentials, cred)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate credentials: %w", rowsErr)
	}

	return credentials, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (core.Credential, error) {
	var (
		cred                             core.Credential
		enabled                          int
		lastUsed, lastChecked, createdAt int64
	)

	err := row.Scan(
		&cred.ID,
		&cred.Name,
		&cred.Provider,
		&cred.Secret,
		&cred.CharactersUsed,
		&cred.CharacterQuota,
		&enabled,
		&lastUsed,
		&lastChecked,
		&cred.Notes,
		&cred.Tier,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Credential{}, err
		}

		return core.Credential{}, fmt.Errorf("failed to scan credential: %w", err)
	}

	cred.Enabled = enabled == 1
	cred.LastUsedAt = fromUnixNano(lastUsed)
	cred.LastCheckedAt = fromUnixNano(lastChecked)
	cred.CreatedAt = fromUnixNano(createdAt)

	return cred, nil
}

func requireAffected(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrCredentialNotFound, id)
	}

	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}

	return 0
}

// Times are stored as unix nanoseconds; zero means "never".
func toUnixNano(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}

	return value.UnixNano()
}

func fromUnixNano(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}

	return time.Unix(0, value)
}
