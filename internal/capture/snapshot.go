// Package capture implements the state-capture component: it binds the
// engine's view of the database to a pre-state root at the start of each
// transaction and to a post-state root at commit, using only the edits
// intercepted by the query pipeline (intercept mode), optionally
// accelerated by a replication-mode WAL follower.
package capture

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pgverity/pgverity/internal/dbstate"
	"github.com/pgverity/pgverity/internal/dbval"
	"github.com/pgverity/pgverity/internal/hashcore"
	"github.com/pgverity/pgverity/internal/merkle"
)

// Snapshot is the engine's in-memory representation of table rows at a
// given version. It is safe for concurrent use: readers (proof
// generation, state-root queries) take the read lock; commit folding
// takes the write lock, holding it while every touched table root and
// the block root are recomputed.
type Snapshot struct {
	mu      sync.RWMutex
	hasher  *hashcore.Hasher
	tables  map[string]*dbstate.TableState
	version map[string]uint64
	block   dbstate.BlockState
}

// NewSnapshot constructs an empty snapshot (the genesis state).
func NewSnapshot(hasher *hashcore.Hasher) (*Snapshot, error) {
	s := &Snapshot{
		hasher:  hasher,
		tables:  map[string]*dbstate.TableState{},
		version: map[string]uint64{},
	}
	if err := s.recomputeBlockLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureTable registers a table (from the startup schema scan or a DDL
// statement) if it doesn't already exist. The new table's Root is computed
// immediately so a table with no rows folds the correct empty-tree root
// into the block state root instead of a zero Hash.
func (s *Snapshot) EnsureTable(name string, columns []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[name]; ok {
		return nil
	}
	ts := &dbstate.TableState{Name: name, Columns: columns, RowsByID: map[string]dbval.Row{}}
	if err := ts.Recompute(s.hasher); err != nil {
		return fmt.Errorf("capture: recompute new table %s: %w", name, err)
	}
	s.tables[name] = ts
	return nil
}

// BlockState returns a copy of the current block commitment, including
// per-table roots, for archival.
func (s *Snapshot) BlockState() dbstate.BlockState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roots := make(map[string]hashcore.Hash, len(s.block.TableRoots))
	for name, root := range s.block.TableRoots {
		roots[name] = root
	}
	bs := s.block
	bs.TableRoots = roots
	return bs
}

// StateRoot returns the current block state root under the read lock.
func (s *Snapshot) StateRoot() hashcore.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.block.StateRoot
}

// TableVersion returns the monotonic version counter for table, bumped on
// every commit that touched it.
func (s *Snapshot) TableVersion(table string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version[table]
}

// Row returns a copy of the row at (table, rowID) and whether it exists.
func (s *Snapshot) Row(table, rowID string) (dbval.Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tables[table]
	if !ok {
		return dbval.Row{}, false
	}
	row, ok := ts.RowsByID[rowID]
	return row, ok
}

// Proof returns an inclusion proof for rowID in table against the current
// snapshot's table root.
func (s *Snapshot) Proof(table, rowID string) (proof *merkle.Proof, tableRoot hashcore.Hash, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.tables[table]
	if !ok {
		return nil, hashcore.Hash{}, fmt.Errorf("capture: table %s not found", table)
	}
	p, err := ts.Proof(s.hasher, rowID)
	if err != nil {
		return nil, hashcore.Hash{}, err
	}
	return p, ts.Root, nil
}

// Op describes one change proposed by a transaction's overlay: an
// insert/update (Tombstone false, Row populated) or a delete
// (Tombstone true). It is exported so the verification manager can
// archive a transaction's write-set and replay it later.
type Op struct {
	Table     string
	RowID     string
	Tombstone bool
	Row       dbval.Row
}

// Apply folds the write-set ops into the base snapshot and recomputes
// every affected table root plus the block state root. It returns the
// resulting BlockState. Callers hold no lock; Apply takes the write lock
// internally and holds it for the whole call.
func (s *Snapshot) Apply(blockNumber uint64, timestampS uint64, ops []Op) (dbstate.BlockState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := map[string]struct{}{}
	for _, op := range ops {
		ts, ok := s.tables[op.Table]
		if !ok {
			ts = &dbstate.TableState{Name: op.Table, RowsByID: map[string]dbval.Row{}}
			s.tables[op.Table] = ts
		}
		if op.Tombstone {
			delete(ts.RowsByID, op.RowID)
		} else {
			ts.RowsByID[op.RowID] = op.Row
		}
		touched[op.Table] = struct{}{}
	}

	for table := range touched {
		ts := s.tables[table]
		if err := ts.Recompute(s.hasher); err != nil {
			return dbstate.BlockState{}, fmt.Errorf("capture: recompute table %s: %w", table, err)
		}
		s.version[table]++
	}

	if err := s.recomputeBlockLocked(); err != nil {
		return dbstate.BlockState{}, err
	}
	s.block.BlockNumber = blockNumber
	s.block.TimestampS = timestampS
	return s.block, nil
}

func (s *Snapshot) recomputeBlockLocked() error {
	roots := make(map[string]hashcore.Hash, len(s.tables))
	for name, ts := range s.tables {
		roots[name] = ts.Root
	}
	bs := dbstate.BlockState{
		BlockNumber: s.block.BlockNumber,
		TimestampS:  s.block.TimestampS,
		TableRoots:  roots,
	}
	if err := bs.Recompute(s.hasher); err != nil {
		return fmt.Errorf("capture: recompute block state: %w", err)
	}
	s.block = bs
	return nil
}

// TableNames returns a sorted snapshot of currently known table names.
func (s *Snapshot) TableNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
