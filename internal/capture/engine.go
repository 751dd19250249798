package capture

import (
	"fmt"

	"github.com/pgverity/pgverity/internal/dbstate"
	"github.com/pgverity/pgverity/internal/dbval"
	"github.com/pgverity/pgverity/internal/hashcore"
)

// TxContext binds one transaction's write-set overlay to the base
// snapshot it was opened against, per the transaction snapshot protocol
// (spec §4.3).
type TxContext struct {
	ID           uint64
	PreStateRoot hashcore.Hash
	Overlay      *Overlay
}

// Engine owns the base Snapshot and mediates the per-transaction
// snapshot protocol: BEGIN records pre_state_root and opens an overlay;
// DML applies to the overlay; SAVEPOINT/RELEASE/ROLLBACK TO manipulate
// overlay checkpoints; COMMIT folds the overlay into the base snapshot
// and recomputes roots; ROLLBACK discards the overlay untouched.
type Engine struct {
	Snapshot    *Snapshot
	nextBlock   uint64
}

// NewEngine constructs an Engine over an existing Snapshot (genesis or
// restored from the archive).
func NewEngine(snap *Snapshot) *Engine {
	return &Engine{Snapshot: snap, nextBlock: 1}
}

// Begin opens a new transaction context: pre_state_root is the snapshot's
// current root at this instant.
func (e *Engine) Begin(txID uint64) *TxContext {
	return &TxContext{
		ID:           txID,
		PreStateRoot: e.Snapshot.StateRoot(),
		Overlay:      NewOverlay(),
	}
}

// Insert applies an INSERT to tx's overlay.
func (tx *TxContext) Insert(table, rowID string, values map[string]dbval.Value) {
	tx.Overlay.Put(table, rowID, dbval.Row{ID: rowID, TableName: table, Values: values})
}

// Update applies an UPDATE to tx's overlay (a full-row replace; the
// caller is responsible for merging unchanged columns before calling).
func (tx *TxContext) Update(table, rowID string, values map[string]dbval.Value) {
	tx.Overlay.Put(table, rowID, dbval.Row{ID: rowID, TableName: table, Values: values})
}

// Delete applies a DELETE to tx's overlay.
func (tx *TxContext) Delete(table, rowID string) {
	tx.Overlay.Delete(table, rowID)
}

// Savepoint pushes an overlay checkpoint.
func (tx *TxContext) Savepoint(name string) {
	tx.Overlay.Checkpoint(name)
}

// Release collapses a checkpoint into its surrounding layer.
func (tx *TxContext) Release(name string) {
	tx.Overlay.Release(name)
}

// RollbackTo truncates the overlay back to name's checkpoint.
func (tx *TxContext) RollbackTo(name string) error {
	if !tx.Overlay.RollbackTo(name) {
		return fmt.Errorf("capture: no checkpoint named %s", name)
	}
	return nil
}

// Commit folds tx's overlay into the base snapshot, recomputes affected
// table roots and the block state root, and returns the resulting
// BlockState. The caller is responsible for archiving the transaction
// record (pre/post roots, statements) via the verification manager.
func (e *Engine) Commit(tx *TxContext, timestampS uint64) (dbstate.BlockState, error) {
	blockNumber := e.nextBlock
	bs, err := e.Snapshot.Apply(blockNumber, timestampS, tx.Overlay.Ops())
	if err != nil {
		return dbstate.BlockState{}, fmt.Errorf("capture: commit tx %d: %w", tx.ID, err)
	}
	e.nextBlock++
	return bs, nil
}

// Rollback discards tx's overlay; the base snapshot is left untouched, so
// the post-state root for the archived transaction equals its pre-state
// root (spec §4.3 step 7, invariant 7 in §8).
func (e *Engine) Rollback(tx *TxContext) hashcore.Hash {
	return tx.PreStateRoot
}
