package verify

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/pgverity/pgverity/internal/archive"
	"github.com/pgverity/pgverity/internal/capture"
	"github.com/pgverity/pgverity/internal/dbstate"
	"github.com/pgverity/pgverity/internal/hashcore"
	"github.com/pgverity/pgverity/internal/pgerr"
)

// Manager is the verification manager (C5): it archives the
// prepare/finalize lifecycle of every transaction and, on demand,
// replays an archived transaction from a from-genesis rebuild of its
// pre-state to confirm the post-state root it committed.
//
// Because the engine delegates SQL execution to the backend it proxies
// (query planning/execution is out of scope here), "re-executing each
// rewritten statement" is implemented by re-applying the write-set that
// statement produced — the same deterministic effect the state-capture
// component already recorded at commit time — rather than re-parsing
// SQL text. Statement text is archived alongside the write-set purely
// for audit and the /transaction/{id} control-plane endpoint.
type Manager struct {
	store   *archive.Store
	hasher  *hashcore.Hasher
	replays singleflight.Group
}

// NewManager constructs a verification manager over store.
func NewManager(store *archive.Store, hasher *hashcore.Hasher) *Manager {
	return &Manager{store: store, hasher: hasher}
}

// Hasher returns the domain-separated hasher the manager was constructed
// with, so callers (the HTTP control plane's proof endpoints) can verify
// Merkle proofs with the same algorithm the archive was built under.
func (m *Manager) Hasher() *hashcore.Hasher {
	return m.hasher
}

// Prepare archives a transaction's opening: its pre-state root, before
// any statement is forwarded to the backend.
func (m *Manager) Prepare(ctx context.Context, txID uint64, preStateRoot hashcore.Hash) error {
	err := m.store.PutTransaction(ctx, archive.TransactionRecord{
		TxID:         txID,
		PreStateRoot: preStateRoot,
		Status:       "active",
	})
	if err != nil {
		return pgerr.New(pgerr.KindInternal, "verify.Prepare", err)
	}
	return nil
}

// Finalize archives a committed transaction's write-set, statement
// text, and post-state root, and returns the commitment attested for
// the block it produced.
func (m *Manager) Finalize(ctx context.Context, tx *capture.TxContext, bs dbstate.BlockState, statements []string) (hashcore.Hash, error) {
	blockNumber := bs.BlockNumber
	postRoot := bs.StateRoot
	rec := archive.TransactionRecord{
		TxID:          tx.ID,
		BlockNumber:   &blockNumber,
		PreStateRoot:  tx.PreStateRoot,
		PostStateRoot: &postRoot,
		Status:        "committed",
		Statements:    statements,
		Ops:           toOpRecords(tx.Overlay.Ops()),
	}
	if err := m.store.PutTransaction(ctx, rec); err != nil {
		return hashcore.Hash{}, pgerr.New(pgerr.KindInternal, "verify.Finalize", err)
	}
	if err := m.store.PutBlockState(ctx, bs); err != nil {
		return hashcore.Hash{}, pgerr.New(pgerr.KindInternal, "verify.Finalize", err)
	}
	commitment, err := BlockCommitment(m.hasher, bs)
	if err != nil {
		return hashcore.Hash{}, pgerr.New(pgerr.KindInternal, "verify.Finalize", err)
	}
	return commitment, nil
}

// MarkRolledBack archives a rolled-back transaction. No commitment is
// emitted; the post-state root equals the pre-state root (spec
// invariant: rollback leaves the state root unchanged).
func (m *Manager) MarkRolledBack(ctx context.Context, txID uint64, preStateRoot hashcore.Hash, statements []string) error {
	err := m.store.PutTransaction(ctx, archive.TransactionRecord{
		TxID:          txID,
		PreStateRoot:  preStateRoot,
		PostStateRoot: &preStateRoot,
		Status:        "rolled_back",
		Statements:    statements,
	})
	if err != nil {
		return pgerr.New(pgerr.KindInternal, "verify.MarkRolledBack", err)
	}
	return nil
}

// MarkUnknownOutcome archives a transaction whose outcome could not be
// observed because the backend connection was lost mid-commit. The
// transaction stays "active" with Outcome "unknown" rather than being
// silently assumed committed or rolled back.
func (m *Manager) MarkUnknownOutcome(ctx context.Context, txID uint64, preStateRoot hashcore.Hash, statements []string) error {
	err := m.store.PutTransaction(ctx, archive.TransactionRecord{
		TxID:         txID,
		PreStateRoot: preStateRoot,
		Status:       "active",
		Statements:   statements,
		Outcome:      "unknown",
	})
	if err != nil {
		return pgerr.New(pgerr.KindInternal, "verify.MarkUnknownOutcome", err)
	}
	return nil
}

// ArchiveGenesis records the engine's genesis state as block 0's
// transaction: its pre-state is the true empty snapshot and its
// write-set is every row discovered on the backend at startup. Without
// this, RebuildSnapshotBefore has nothing to replay for deployments that
// started against a non-empty database, and Replay/the crash-restart
// bootstrap would wrongly report a divergent root for any tx_id that
// comes after it.
func (m *Manager) ArchiveGenesis(ctx context.Context, bs dbstate.BlockState, ops []capture.Op) error {
	empty, err := capture.NewSnapshot(m.hasher)
	if err != nil {
		return pgerr.New(pgerr.KindInternal, "verify.ArchiveGenesis", err)
	}

	blockNumber := bs.BlockNumber
	postRoot := bs.StateRoot
	rec := archive.TransactionRecord{
		TxID:          0,
		BlockNumber:   &blockNumber,
		PreStateRoot:  empty.StateRoot(),
		PostStateRoot: &postRoot,
		Status:        "committed",
		Statements:    []string{"-- genesis: rows discovered on backend at startup"},
		Ops:           toOpRecords(ops),
	}
	if err := m.store.PutTransaction(ctx, rec); err != nil {
		return pgerr.New(pgerr.KindInternal, "verify.ArchiveGenesis", err)
	}
	if err := m.store.PutBlockState(ctx, bs); err != nil {
		return pgerr.New(pgerr.KindInternal, "verify.ArchiveGenesis", err)
	}
	return nil
}

// Replay rebuilds txID's pre-state from genesis, re-applies its
// archived write-set, and confirms the result bit-equals the archived
// post-state root. Concurrent replays of the same tx_id (e.g. a
// control-plane request racing a challenge resolution) share one
// rebuild via singleflight.
func (m *Manager) Replay(ctx context.Context, txID uint64) (dbstate.BlockState, error) {
	key := fmt.Sprintf("%d", txID)
	v, err, _ := m.replays.Do(key, func() (any, error) {
		return m.replayOnce(ctx, txID)
	})
	if err != nil {
		return dbstate.BlockState{}, err
	}
	return v.(dbstate.BlockState), nil
}

func (m *Manager) replayOnce(ctx context.Context, txID uint64) (dbstate.BlockState, error) {
	rec, err := m.store.TransactionByID(ctx, txID)
	if err != nil {
		return dbstate.BlockState{}, pgerr.New(pgerr.KindVerification, "verify.Replay", fmt.Errorf("load tx %d: %w", txID, err))
	}
	if rec.Status != "committed" || rec.BlockNumber == nil || rec.PostStateRoot == nil {
		return dbstate.BlockState{}, pgerr.New(pgerr.KindVerification, "verify.Replay", fmt.Errorf("tx %d has no committed post-state to replay", txID))
	}

	snap, err := m.RebuildSnapshotBefore(ctx, txID)
	if err != nil {
		return dbstate.BlockState{}, err
	}
	if got := snap.StateRoot(); !got.Equal(rec.PreStateRoot) {
		return dbstate.BlockState{}, pgerr.New(pgerr.KindDivergentRoot, "verify.Replay",
			fmt.Errorf("tx %d: rebuilt pre-state root %s does not match archived %s", txID, got, rec.PreStateRoot))
	}

	bs, err := snap.Apply(*rec.BlockNumber, 0, toCaptureOps(rec.Ops))
	if err != nil {
		return dbstate.BlockState{}, pgerr.New(pgerr.KindExecution, "verify.Replay", err)
	}
	if !bs.StateRoot.Equal(*rec.PostStateRoot) {
		return dbstate.BlockState{}, pgerr.New(pgerr.KindDivergentRoot, "verify.Replay",
			fmt.Errorf("tx %d: replayed post-state root %s does not match archived %s", txID, bs.StateRoot, *rec.PostStateRoot))
	}
	return bs, nil
}

// RebuildSnapshotBefore reconstructs a fresh genesis snapshot and
// replays every committed transaction with tx_id < txID, in order. The
// crash-restart bootstrap uses the same helper with txID set past the
// highest archived tx_id.
func (m *Manager) RebuildSnapshotBefore(ctx context.Context, txID uint64) (*capture.Snapshot, error) {
	snap, err := capture.NewSnapshot(m.hasher)
	if err != nil {
		return nil, pgerr.New(pgerr.KindInternal, "verify.RebuildSnapshotBefore", err)
	}
	prior, err := m.store.CommittedTransactionsBefore(ctx, txID)
	if err != nil {
		return nil, pgerr.New(pgerr.KindInternal, "verify.RebuildSnapshotBefore", err)
	}
	for _, p := range prior {
		if p.BlockNumber == nil {
			continue
		}
		if _, err := snap.Apply(*p.BlockNumber, 0, toCaptureOps(p.Ops)); err != nil {
			return nil, pgerr.New(pgerr.KindExecution, "verify.RebuildSnapshotBefore",
				fmt.Errorf("replay tx %d: %w", p.TxID, err))
		}
	}
	return snap, nil
}

func toOpRecords(ops []capture.Op) []archive.OpRecord {
	out := make([]archive.OpRecord, 0, len(ops))
	for _, op := range ops {
		out = append(out, archive.OpRecord{Table: op.Table, RowID: op.RowID, Tombstone: op.Tombstone, Row: op.Row})
	}
	return out
}

func toCaptureOps(recs []archive.OpRecord) []capture.Op {
	out := make([]capture.Op, 0, len(recs))
	for _, r := range recs {
		out = append(out, capture.Op{Table: r.Table, RowID: r.RowID, Tombstone: r.Tombstone, Row: r.Row})
	}
	return out
}
