package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgverity/pgverity/internal/dbval"
)

// Backend is the engine's own read-only connection to the database it is
// proxying, used for the intercept-mode startup scan (schema + initial
// row snapshot). It offers no post-commit read-back.
type Backend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewBackend connects to dsn with a pooled client connection, mirroring
// the teacher's storage.New pooling pattern.
func NewBackend(ctx context.Context, dsn string, logger *slog.Logger) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("capture: parse backend DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("capture: create backend pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("capture: ping backend: %w", err)
	}
	return &Backend{pool: pool, logger: logger}, nil
}

func (b *Backend) Close() {
	b.pool.Close()
}

// TableSchema describes one discovered table's columns.
type TableSchema struct {
	Name    string
	Columns []string
}

// DiscoverSchema scans information_schema for user tables and their
// columns, the first step of the intercept-mode startup sequence.
func (b *Backend) DiscoverSchema(ctx context.Context) ([]TableSchema, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT table_name, column_name
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("capture: discover schema: %w", err)
	}
	defer rows.Close()

	byTable := map[string]*TableSchema{}
	var order []string
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, fmt.Errorf("capture: scan schema row: %w", err)
		}
		ts, ok := byTable[table]
		if !ok {
			ts = &TableSchema{Name: table}
			byTable[table] = ts
			order = append(order, table)
		}
		ts.Columns = append(ts.Columns, column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("capture: iterate schema rows: %w", err)
	}

	out := make([]TableSchema, 0, len(order))
	for _, name := range order {
		out = append(out, *byTable[name])
	}
	return out, nil
}

// LoadGenesisSnapshot seeds snap with the backend's current rows for every
// discovered table and computes the genesis state root. primaryKeyCol is
// assumed to be "id"; a real deployment would read it from the catalog's
// primary-key constraint, out of scope here.
//
// It returns the flattened write-set of every row loaded across all
// tables, so the caller can archive genesis as block 0's transaction:
// without that, a from-genesis replay of any pre-existing deployment
// (intercept mode started against a non-empty database) has no recorded
// pre-state to rebuild from.
func (b *Backend) LoadGenesisSnapshot(ctx context.Context, snap *Snapshot, schemas []TableSchema, primaryKeyCol string) ([]Op, error) {
	var allOps []Op
	for _, schema := range schemas {
		if err := snap.EnsureTable(schema.Name, schema.Columns); err != nil {
			return nil, err
		}

		rows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT * FROM %s`, pgx.Identifier{schema.Name}.Sanitize()))
		if err != nil {
			return nil, fmt.Errorf("capture: scan table %s: %w", schema.Name, err)
		}
		fields := rows.FieldDescriptions()

		var ops []Op
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("capture: read row in %s: %w", schema.Name, err)
			}
			row := dbval.Row{TableName: schema.Name, Values: map[string]dbval.Value{}}
			for i, fd := range fields {
				colName := string(fd.Name)
				v := toValue(vals[i])
				if colName == primaryKeyCol {
					row.ID = fmt.Sprintf("%v", vals[i])
				}
				row.Values[colName] = v
			}
			ops = append(ops, Op{Table: schema.Name, RowID: row.ID, Row: row})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("capture: iterate rows in %s: %w", schema.Name, err)
		}

		if _, err := snap.Apply(0, 0, ops); err != nil {
			return nil, fmt.Errorf("capture: apply genesis rows for %s: %w", schema.Name, err)
		}
		allOps = append(allOps, ops...)
	}
	return allOps, nil
}

// toValue maps a pgx-decoded Go value onto the engine's tagged Value
// union by Go kind. A production mapping would consult the column's
// pgtype OID directly instead of a type switch on the decoded value.
func toValue(v any) dbval.Value {
	switch x := v.(type) {
	case nil:
		return dbval.NewNull()
	case bool:
		return dbval.NewBool(x)
	case int32:
		return dbval.NewInt32(x)
	case int64:
		return dbval.NewInt64(x)
	case float64:
		return dbval.NewFloat64(x)
	case string:
		return dbval.NewText(x)
	case []byte:
		return dbval.NewBinary(x)
	case time.Time:
		return dbval.NewTimestampMS(x.UnixMilli())
	default:
		return dbval.NewText(fmt.Sprintf("%v", x))
	}
}

// WALListener streams change records from an external write-ahead-log
// follower in replication mode. Connection loss is recovered with a
// fixed 5s delay (spec §5), backed by cenkalti/backoff's constant
// policy so the retry loop isn't hand-rolled.
type WALListener struct {
	dsn           string
	logger        *slog.Logger
	lastAckedLSN  uint64
	onRecord      func(Record)
}

// Record is one change observed by the WAL follower.
type Record struct {
	Kind  RecordKind
	Table string
	RowID string
	Row   dbval.Row
	TxID  uint64
	LSN   uint64
}

type RecordKind int

const (
	RecordBegin RecordKind = iota
	RecordInsert
	RecordUpdate
	RecordDelete
	RecordCommit
)

// NewWALListener constructs a listener against dsn. onRecord is stored
// but never invoked: runOnce decodes no change records.
func NewWALListener(dsn string, logger *slog.Logger, onRecord func(Record)) *WALListener {
	return &WALListener{dsn: dsn, logger: logger, onRecord: onRecord}
}

// Run connects until ctx is cancelled, reconnecting with a 5s fixed
// delay and logging the last acknowledged LSN on each disconnect. It
// does not request a stream position from the server.
func (w *WALListener) Run(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewConstantBackOff(5*time.Second), ctx)
	for {
		err := w.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.logger.Warn("capture: WAL listener disconnected, reconnecting", "error", err, "last_acked_lsn", w.lastAckedLSN)
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("capture: WAL listener backoff exhausted")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runOnce performs one connect-and-stream cycle. The concrete logical
// replication protocol decoding is an external-collaborator concern
// (spec §1: "the optional commitment-publication layer ... is not
// specified here beyond the minimum interface the core consumes");
// here it is represented by the connection attempt and the ack offset
// it would resume from.
func (w *WALListener) runOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, w.dsn)
	if err != nil {
		return fmt.Errorf("capture: WAL connect: %w", err)
	}
	defer conn.Close(ctx)
	<-ctx.Done()
	return ctx.Err()
}

// Ack records the last LSN the engine has durably applied. Run only
// logs this value; a reconnect does not resume from it.
func (w *WALListener) Ack(lsn uint64) {
	w.lastAckedLSN = lsn
}
