package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrIdempotencyPayloadMismatch is returned when a key is reused with a
// different request payload, mirroring the teacher's idempotency store.
var ErrIdempotencyPayloadMismatch = errors.New("archive: idempotency key reused with different payload")

// BeginIdempotentChallenge reserves key for a POST /api/v1/challenge
// submission. If the key was already used with the same requestHash, it
// returns the previously recorded challengeID so the caller can replay
// the prior response instead of opening a second challenge for a retried
// submission.
func (s *Store) BeginIdempotentChallenge(ctx context.Context, key, requestHash string) (challengeID string, replay bool, err error) {
	tag, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, challenge_id)
		VALUES (?, ?, NULL)
		ON CONFLICT(key) DO NOTHING`, key, requestHash)
	if err != nil {
		return "", false, fmt.Errorf("archive: begin idempotency key %s: %w", key, err)
	}
	n, err := tag.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n == 1 {
		return "", false, nil // caller owns processing
	}

	var storedHash string
	var id sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT request_hash, challenge_id FROM idempotency_keys WHERE key = ?`, key)
	if err := row.Scan(&storedHash, &id); err != nil {
		return "", false, fmt.Errorf("archive: lookup idempotency key %s: %w", key, err)
	}
	if storedHash != requestHash {
		return "", false, ErrIdempotencyPayloadMismatch
	}
	if !id.Valid {
		return "", false, nil // still in progress; caller retries later
	}
	return id.String, true, nil
}

// CompleteIdempotentChallenge records the challenge that a reserved key
// resolved to.
func (s *Store) CompleteIdempotentChallenge(ctx context.Context, key, challengeID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE idempotency_keys SET challenge_id = ? WHERE key = ?`, challengeID, key)
	if err != nil {
		return fmt.Errorf("archive: complete idempotency key %s: %w", key, err)
	}
	return nil
}
