package capture

import (
	"testing"

	"github.com/pgverity/pgverity/internal/dbval"
	"github.com/pgverity/pgverity/internal/hashcore"
)

func mustHasher(t *testing.T) *hashcore.Hasher {
	t.Helper()
	h, err := hashcore.New(hashcore.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func mustEngine(t *testing.T) *Engine {
	t.Helper()
	h := mustHasher(t)
	snap, err := NewSnapshot(h)
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(snap)
}

func TestInsertCommitChangesStateRoot(t *testing.T) {
	e := mustEngine(t)
	rootBefore := e.Snapshot.StateRoot()

	tx := e.Begin(1)
	tx.Insert("users", "1", map[string]dbval.Value{"name": dbval.NewText("John"), "age": dbval.NewInt32(30)})
	if _, err := e.Commit(tx, 1000); err != nil {
		t.Fatal(err)
	}
	rootAfter := e.Snapshot.StateRoot()
	if rootAfter.Equal(rootBefore) {
		t.Fatal("state root should change after first commit")
	}

	tx2 := e.Begin(2)
	tx2.Insert("users", "2", map[string]dbval.Value{"name": dbval.NewText("John"), "age": dbval.NewInt32(30)})
	if _, err := e.Commit(tx2, 1001); err != nil {
		t.Fatal(err)
	}
	rootAfterSecond := e.Snapshot.StateRoot()
	if rootAfterSecond.Equal(rootAfter) {
		t.Fatal("state root after second commit should differ from after first")
	}
}

func TestRollbackLeavesStateRootUnchanged(t *testing.T) {
	e := mustEngine(t)
	rootBefore := e.Snapshot.StateRoot()

	tx := e.Begin(1)
	tx.Insert("users", "1", map[string]dbval.Value{"name": dbval.NewText("John")})
	resultRoot := e.Rollback(tx)

	if !resultRoot.Equal(rootBefore) {
		t.Fatal("rollback should report pre-state root")
	}
	if !e.Snapshot.StateRoot().Equal(rootBefore) {
		t.Fatal("rollback must not mutate the base snapshot")
	}
}

func TestSavepointRollbackToScenario(t *testing.T) {
	// BEGIN; INSERT ...; SAVEPOINT s1; INSERT ...; ROLLBACK TO s1; COMMIT:
	// committed post-state equals the state after only the first insert.
	e := mustEngine(t)

	tx := e.Begin(1)
	tx.Insert("t", "1", map[string]dbval.Value{"v": dbval.NewInt32(1)})
	tx.Savepoint("s1")
	tx.Insert("t", "2", map[string]dbval.Value{"v": dbval.NewInt32(2)})
	if err := tx.RollbackTo("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Commit(tx, 1000); err != nil {
		t.Fatal(err)
	}

	if _, ok := e.Snapshot.Row("t", "1"); !ok {
		t.Fatal("row 1 should be committed")
	}
	if _, ok := e.Snapshot.Row("t", "2"); ok {
		t.Fatal("row 2 should have been discarded by ROLLBACK TO s1")
	}

	// Compare against an engine that only ever inserted row 1.
	alt := mustEngine(t)
	altTx := alt.Begin(1)
	altTx.Insert("t", "1", map[string]dbval.Value{"v": dbval.NewInt32(1)})
	if _, err := alt.Commit(altTx, 1000); err != nil {
		t.Fatal(err)
	}
	if !e.Snapshot.StateRoot().Equal(alt.Snapshot.StateRoot()) {
		t.Fatal("post-state after ROLLBACK TO s1 should equal state with only the first insert")
	}
}

func TestProofAgainstCommittedTable(t *testing.T) {
	e := mustEngine(t)
	tx := e.Begin(1)
	tx.Insert("users", "1", map[string]dbval.Value{"name": dbval.NewText("John")})
	if _, err := e.Commit(tx, 1000); err != nil {
		t.Fatal(err)
	}

	proof, tableRoot, err := e.Snapshot.Proof("users", "1")
	if err != nil {
		t.Fatal(err)
	}
	if proof == nil {
		t.Fatal("expected a proof")
	}
	if tableRoot.IsZero() {
		t.Fatal("table root should not be zero")
	}
}
