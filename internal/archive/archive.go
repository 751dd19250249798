// Package archive persists BlockState records, TransactionRecords, and
// the challenge log — the engine's own commitment history, independent
// of the backend database it proxies. It is backed by modernc.org/sqlite
// (pure Go, no cgo), grounded on the migration-runner shape of
// internal/storage/migrate.go but retargeted at the engine's own store
// rather than the system under test.
package archive

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/pgverity/pgverity/internal/dbstate"
	"github.com/pgverity/pgverity/internal/dbval"
	"github.com/pgverity/pgverity/internal/hashcore"
)

const schema = `
CREATE TABLE IF NOT EXISTS block_states (
	block_number INTEGER PRIMARY KEY,
	timestamp_s  INTEGER NOT NULL,
	state_root   BLOB NOT NULL,
	table_roots  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	tx_id             INTEGER PRIMARY KEY,
	block_number      INTEGER,
	pre_state_root    BLOB NOT NULL,
	post_state_root   BLOB,
	status            TEXT NOT NULL,
	statements        TEXT NOT NULL,
	ops               TEXT NOT NULL DEFAULT '[]',
	outcome           TEXT NOT NULL DEFAULT 'known'
);

CREATE TABLE IF NOT EXISTS challenges (
	id           TEXT PRIMARY KEY,
	state_root   BLOB NOT NULL,
	block_number INTEGER NOT NULL,
	challenger   TEXT NOT NULL,
	operator     TEXT NOT NULL,
	status       TEXT NOT NULL,
	bond         INTEGER NOT NULL,
	timestamp_s  INTEGER NOT NULL,
	evidence     BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key          TEXT PRIMARY KEY,
	request_hash TEXT NOT NULL,
	challenge_id TEXT
);
`

// Store is the engine's embedded persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite-backed archive at path.
// Use ":memory:" for ephemeral/test use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PutBlockState persists a commitment. BlockStates are immutable once
// emitted, so this is expected to be called exactly once per block.
func (s *Store) PutBlockState(ctx context.Context, bs dbstate.BlockState) error {
	roots := make(map[string]string, len(bs.TableRoots))
	for name, root := range bs.TableRoots {
		roots[name] = hex.EncodeToString(root.Bytes())
	}
	rootsJSON, err := json.Marshal(roots)
	if err != nil {
		return fmt.Errorf("archive: marshal table roots: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO block_states (block_number, timestamp_s, state_root, table_roots)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(block_number) DO NOTHING`,
		bs.BlockNumber, bs.TimestampS, bs.StateRoot.Bytes(), string(rootsJSON))
	if err != nil {
		return fmt.Errorf("archive: insert block state %d: %w", bs.BlockNumber, err)
	}
	return nil
}

// LatestBlockState returns the highest block_number commitment, or
// sql.ErrNoRows if none exist yet.
func (s *Store) LatestBlockState(ctx context.Context) (dbstate.BlockState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT block_number, timestamp_s, state_root, table_roots
		FROM block_states ORDER BY block_number DESC LIMIT 1`)
	return scanBlockState(row)
}

// BlockStateByNumber looks up one commitment by block number.
func (s *Store) BlockStateByNumber(ctx context.Context, blockNumber uint64) (dbstate.BlockState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT block_number, timestamp_s, state_root, table_roots
		FROM block_states WHERE block_number = ?`, blockNumber)
	return scanBlockState(row)
}

func scanBlockState(row *sql.Row) (dbstate.BlockState, error) {
	var (
		blockNumber uint64
		timestampS  uint64
		rootBytes   []byte
		rootsJSON   string
	)
	if err := row.Scan(&blockNumber, &timestampS, &rootBytes, &rootsJSON); err != nil {
		return dbstate.BlockState{}, err
	}
	var rootsHex map[string]string
	if err := json.Unmarshal([]byte(rootsJSON), &rootsHex); err != nil {
		return dbstate.BlockState{}, fmt.Errorf("archive: unmarshal table roots: %w", err)
	}
	roots := make(map[string]hashcore.Hash, len(rootsHex))
	for name, h := range rootsHex {
		b, err := hex.DecodeString(h)
		if err != nil {
			return dbstate.BlockState{}, fmt.Errorf("archive: decode table root for %s: %w", name, err)
		}
		var hh hashcore.Hash
		copy(hh[:], b)
		roots[name] = hh
	}
	var root hashcore.Hash
	copy(root[:], rootBytes)
	return dbstate.BlockState{BlockNumber: blockNumber, TimestampS: timestampS, StateRoot: root, TableRoots: roots}, nil
}

// OpRecord is the archived form of a capture.Op: one proposed row write,
// kept so a committed transaction's write-set can be replayed without
// re-executing SQL (the engine has no SQL execution engine of its own;
// statement text is archived for audit, the write-set is archived for
// replay).
type OpRecord struct {
	Table     string
	RowID     string
	Tombstone bool
	Row       dbval.Row
}

// TransactionRecord is the archived record of one terminated transaction.
type TransactionRecord struct {
	TxID          uint64
	BlockNumber   *uint64
	PreStateRoot  hashcore.Hash
	PostStateRoot *hashcore.Hash
	Status        string // "active" | "committed" | "rolled_back"
	Statements    []string
	Ops           []OpRecord
	Outcome       string // "known" | "unknown" (backend-initiated disconnect mid-commit)
}

// PutTransaction archives a terminated transaction.
func (s *Store) PutTransaction(ctx context.Context, rec TransactionRecord) error {
	stmtsJSON, err := json.Marshal(rec.Statements)
	if err != nil {
		return fmt.Errorf("archive: marshal statements: %w", err)
	}
	opsJSON, err := json.Marshal(rec.Ops)
	if err != nil {
		return fmt.Errorf("archive: marshal ops: %w", err)
	}
	var postRoot []byte
	if rec.PostStateRoot != nil {
		postRoot = rec.PostStateRoot.Bytes()
	}
	outcome := rec.Outcome
	if outcome == "" {
		outcome = "known"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (tx_id, block_number, pre_state_root, post_state_root, status, statements, ops, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_id) DO UPDATE SET
			block_number = excluded.block_number,
			post_state_root = excluded.post_state_root,
			status = excluded.status,
			statements = excluded.statements,
			ops = excluded.ops,
			outcome = excluded.outcome`,
		rec.TxID, rec.BlockNumber, rec.PreStateRoot.Bytes(), postRoot, rec.Status, string(stmtsJSON), string(opsJSON), outcome)
	if err != nil {
		return fmt.Errorf("archive: insert transaction %d: %w", rec.TxID, err)
	}
	return nil
}

// TransactionByID loads an archived transaction record.
func (s *Store) TransactionByID(ctx context.Context, txID uint64) (TransactionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tx_id, block_number, pre_state_root, post_state_root, status, statements, ops, outcome
		FROM transactions WHERE tx_id = ?`, txID)

	var (
		rec         TransactionRecord
		blockNumber sql.NullInt64
		preBytes    []byte
		postBytes   []byte
		stmtsJSON   string
		opsJSON     string
	)
	if err := row.Scan(&rec.TxID, &blockNumber, &preBytes, &postBytes, &rec.Status, &stmtsJSON, &opsJSON, &rec.Outcome); err != nil {
		return TransactionRecord{}, err
	}
	if blockNumber.Valid {
		bn := uint64(blockNumber.Int64)
		rec.BlockNumber = &bn
	}
	copy(rec.PreStateRoot[:], preBytes)
	if postBytes != nil {
		var post hashcore.Hash
		copy(post[:], postBytes)
		rec.PostStateRoot = &post
	}
	if err := json.Unmarshal([]byte(stmtsJSON), &rec.Statements); err != nil {
		return TransactionRecord{}, fmt.Errorf("archive: unmarshal statements: %w", err)
	}
	if err := json.Unmarshal([]byte(opsJSON), &rec.Ops); err != nil {
		return TransactionRecord{}, fmt.Errorf("archive: unmarshal ops: %w", err)
	}
	return rec, nil
}

// TransactionsByBlock returns every archived transaction belonging to
// blockNumber, used by the challenge-resolution replay of a full block.
func (s *Store) TransactionsByBlock(ctx context.Context, blockNumber uint64) ([]TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id, block_number, pre_state_root, post_state_root, status, statements, ops, outcome
		FROM transactions WHERE block_number = ? ORDER BY tx_id ASC`, blockNumber)
	if err != nil {
		return nil, fmt.Errorf("archive: query transactions for block %d: %w", blockNumber, err)
	}
	defer rows.Close()
	return scanTransactionRows(rows)
}

// CommittedTransactionsBefore returns every committed transaction with
// tx_id < txID, in ascending tx_id order — the replay prefix a
// from-genesis snapshot rebuild needs to reach txID's pre-state root.
func (s *Store) CommittedTransactionsBefore(ctx context.Context, txID uint64) ([]TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_id, block_number, pre_state_root, post_state_root, status, statements, ops, outcome
		FROM transactions WHERE tx_id < ? AND status = 'committed' ORDER BY tx_id ASC`, txID)
	if err != nil {
		return nil, fmt.Errorf("archive: query transactions before %d: %w", txID, err)
	}
	defer rows.Close()
	return scanTransactionRows(rows)
}

func scanTransactionRows(rows *sql.Rows) ([]TransactionRecord, error) {
	var out []TransactionRecord
	for rows.Next() {
		var (
			rec       TransactionRecord
			bn        sql.NullInt64
			preBytes  []byte
			postBytes []byte
			stmtsJSON string
			opsJSON   string
		)
		if err := rows.Scan(&rec.TxID, &bn, &preBytes, &postBytes, &rec.Status, &stmtsJSON, &opsJSON, &rec.Outcome); err != nil {
			return nil, fmt.Errorf("archive: scan transaction row: %w", err)
		}
		if bn.Valid {
			v := uint64(bn.Int64)
			rec.BlockNumber = &v
		}
		copy(rec.PreStateRoot[:], preBytes)
		if postBytes != nil {
			var post hashcore.Hash
			copy(post[:], postBytes)
			rec.PostStateRoot = &post
		}
		if err := json.Unmarshal([]byte(stmtsJSON), &rec.Statements); err != nil {
			return nil, fmt.Errorf("archive: unmarshal statements: %w", err)
		}
		if err := json.Unmarshal([]byte(opsJSON), &rec.Ops); err != nil {
			return nil, fmt.Errorf("archive: unmarshal ops: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
