package archive

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pgverity/pgverity/internal/hashcore"
)

// ChallengeStatus mirrors spec §3's Challenge.status enum.
type ChallengeStatus string

const (
	ChallengeActive   ChallengeStatus = "active"
	ChallengeResolved ChallengeStatus = "resolved"
	ChallengeExpired  ChallengeStatus = "expired"
	ChallengeSlashed  ChallengeStatus = "slashed"
)

// Challenge is the archived form of spec §3's Challenge record.
type Challenge struct {
	ID          string
	StateRoot   hashcore.Hash
	BlockNumber uint64
	Challenger  string
	Operator    string
	Status      ChallengeStatus
	Bond        int64
	TimestampS  int64
	Evidence    []byte
}

// PutChallenge inserts or updates a challenge record (status transitions
// happen in place via resolution/expiry).
func (s *Store) PutChallenge(ctx context.Context, c Challenge) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (id, state_root, block_number, challenger, operator, status, bond, timestamp_s, evidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status`,
		c.ID, c.StateRoot.Bytes(), c.BlockNumber, c.Challenger, c.Operator, string(c.Status), c.Bond, c.TimestampS, c.Evidence)
	if err != nil {
		return fmt.Errorf("archive: insert challenge %s: %w", c.ID, err)
	}
	return nil
}

// ChallengeByID loads one challenge record.
func (s *Store) ChallengeByID(ctx context.Context, id string) (Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, state_root, block_number, challenger, operator, status, bond, timestamp_s, evidence
		FROM challenges WHERE id = ?`, id)
	return scanChallenge(row)
}

// ListChallenges returns every archived challenge, most recent first.
func (s *Store) ListChallenges(ctx context.Context) ([]Challenge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, state_root, block_number, challenger, operator, status, bond, timestamp_s, evidence
		FROM challenges ORDER BY timestamp_s DESC`)
	if err != nil {
		return nil, fmt.Errorf("archive: list challenges: %w", err)
	}
	defer rows.Close()

	var out []Challenge
	for rows.Next() {
		c, err := scanChallengeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChallenge(row *sql.Row) (Challenge, error) {
	var (
		c         Challenge
		rootBytes []byte
		status    string
	)
	if err := row.Scan(&c.ID, &rootBytes, &c.BlockNumber, &c.Challenger, &c.Operator, &status, &c.Bond, &c.TimestampS, &c.Evidence); err != nil {
		return Challenge{}, err
	}
	copy(c.StateRoot[:], rootBytes)
	c.Status = ChallengeStatus(status)
	return c, nil
}

func scanChallengeRows(rows *sql.Rows) (Challenge, error) {
	var (
		c         Challenge
		rootBytes []byte
		status    string
	)
	if err := rows.Scan(&c.ID, &rootBytes, &c.BlockNumber, &c.Challenger, &c.Operator, &status, &c.Bond, &c.TimestampS, &c.Evidence); err != nil {
		return Challenge{}, err
	}
	copy(c.StateRoot[:], rootBytes)
	c.Status = ChallengeStatus(status)
	return c, nil
}
