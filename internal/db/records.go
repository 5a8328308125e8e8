package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const recordColumns = `
	id, text, voices, audio_url, credential_id, credential_name, characters_used,
	duration_ms, outcome, kind, error, details, user_id, file_id, created_at`

// UsageSummary aggregates ledger rows for one credential.
type UsageSummary struct {
	CredentialID   string `json:"credentialId"`
	CredentialName string `json:"credentialName"`
	Successes      int64  `json:"successes"`
	Failures       int64  `json:"failures"`
	CharactersUsed int64  `json:"charactersUsed"`
}

// InsertRecord appends one ledger entry. ID and CreatedAt are assigned when empty.
func (db *DB) InsertRecord(ctx context.Context, rec *core.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	voices, err := json.Marshal(nonNil(rec.Voices))
	if err != nil {
		return fmt.Errorf("failed to marshal record voices: %w", err)
	}

	details, err := json.Marshal(nonNil(rec.Details))
	if err != nil {
		return fmt.Errorf("failed to marshal record details: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO fulfillment_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Text,
		string(voices),
		rec.AudioURL,
		rec.CredentialID,
		rec.CredentialName,
		rec.CharactersUsed,
		rec.DurationMs,
		string(rec.Outcome),
		string(rec.Kind),
		rec.Error,
		string(details),
		rec.UserID,
		rec.FileID,
		toUnixNano(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fulfillment record: %w", err)
	}

	return nil
}

// ListRecords returns ledger entries, newest first.
func (db *DB) ListRecords(ctx context.Context, limit, offset int) ([]core.Record, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM fulfillment_records
		ORDER BY created_at DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query fulfillment records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]core.Record, 0)

	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		records = append(records, rec)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate fulfillment records: %w", rowsErr)
	}

	return records, nil
}

// GetRecord returns one ledger entry.
func (db *DB) GetRecord(ctx context.Context, id string) (core.Record, error) {
	row := db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM fulfillment_records WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}

	if err != nil {
		return core.Record{}, err
	}

	return rec, nil
}

// DeleteRecord removes a ledger entry. Only the admin API deletes records.
func (db *DB) DeleteRecord(ctx context.Context, id string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM fulfillment_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete fulfillment record %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}

	return nil
}

// UsageSummaries aggregates the ledger per credential.
func (db *DB) UsageSummaries(ctx context.Context) ([]UsageSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT credential_id,
			MAX(credential_name),
			SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END),
			COALESCE(SUM(CASE WHEN outcome = ? THEN characters_used ELSE 0 END), 0)
		FROM fulfillment_records
		WHERE credential_id != ''
		GROUP BY credential_id
		ORDER BY credential_id`,
		string(core.OutcomeSuccess), string(core.OutcomeFailure), string(core.OutcomeSuccess))
	if err != nil {
		return nil, fmt.Errorf("failed to query usage summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summaries := make([]UsageSummary, 0)

	for rows.Next() {
		var summary UsageSummary

		scanErr := rows.Scan(
			&summary.CredentialID,
			&summary.CredentialName,
			&summary.Successes,
			&summary.Failures,
			&summary.CharactersUsed,
		)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan usage summary: %w", scanErr)
		}

		summaries = append(summaries, summary)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate usage summaries: %w", rowsErr)
	}

	return summaries, nil
}

func scanRecord(row rowScanner) (core.Record, error) {
	var (
		rec             core.Record
		voices, details string
		outcome, kind   string
		createdAt       int64
	)

	err := row.Scan(
		&rec.ID,
		&rec.Text,
		&voices,
		&rec.AudioURL,
		&rec.CredentialID,
		&rec.CredentialName,
		&rec.CharactersUsed,
		&rec.DurationMs,
		&outcome,
		&kind,
		&rec.Error,
		&details,
		&rec.UserID,
		&rec.FileID,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Record{}, err
		}

		return core.Record{}, fmt.Errorf("failed to scan fulfillment record: %w", err)
	}

	rec.Outcome = core.Outcome(outcome)
	rec.Kind = core.FailureKind(kind)
	rec.CreatedAt = fromUnixNano(createdAt)

	unmarshalErr := json.Unmarshal([]byte(voices), &rec.Voices)
	if unmarshalErr != nil {
		return core.Record{}, fmt.Errorf("failed to decode record voices: %w", unmarshalErr)
	}

	unmarshalErr = json.Unmarshal([]byte(details), &rec.Details)
	if unmarshalErr != nil {
		return core.Record{}, fmt.Errorf("failed to decode record details: %w", unmarshalErr)
	}

	return rec, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}

	return values
}
