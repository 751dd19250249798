package txtrack

import "testing"

func TestTransactionLifecycle(t *testing.T) {
	tr := New(nil)

	tx, err := tr.Begin(1, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if tx.ID != 1 {
		t.Fatalf("expected tx id 1, got %d", tx.ID)
	}

	if err := tr.Savepoint("sp1", 1001); err != nil {
		t.Fatal(err)
	}
	if err := tr.AddStatement("INSERT INTO tbl VALUES (1)"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Release("sp1"); err != nil {
		t.Fatal(err)
	}

	committed, err := tr.Commit(1002)
	if err != nil {
		t.Fatal(err)
	}
	if committed.Status != TxCommitted {
		t.Fatal("transaction should be committed")
	}
	if len(committed.Savepoints) != 1 {
		t.Fatalf("expected 1 savepoint, got %d", len(committed.Savepoints))
	}
	sp := committed.Savepoints["sp1"]
	if sp.State != SavepointReleased {
		t.Fatal("savepoint should be released")
	}
	if len(sp.StatementsSince) != 1 || sp.StatementsSince[0] != "INSERT INTO tbl VALUES (1)" {
		t.Fatalf("unexpected savepoint statements: %v", sp.StatementsSince)
	}
	if tr.Status() != Idle {
		t.Fatal("tracker should return to idle after commit")
	}
}

func TestRollbackToSavepointScenario(t *testing.T) {
	// Scenario 4: BEGIN; INSERT; SAVEPOINT s1; INSERT; ROLLBACK TO s1; COMMIT
	// committed post-state equals the state after only the first insert.
	tr := New(nil)

	if _, err := tr.Begin(1, 0); err != nil {
		t.Fatal(err)
	}
	if err := tr.AddStatement("INSERT INTO t VALUES (1)"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Savepoint("s1", 1); err != nil {
		t.Fatal(err)
	}
	if err := tr.AddStatement("INSERT INTO t VALUES (2)"); err != nil {
		t.Fatal(err)
	}
	if err := tr.RollbackTo("s1"); err != nil {
		t.Fatal(err)
	}

	tx := tr.Current()
	sp := tx.Savepoints["s1"]
	if sp.State != SavepointActive {
		t.Fatal("s1 should remain active/usable after ROLLBACK TO s1")
	}
	if len(sp.StatementsSince) != 0 {
		t.Fatal("s1's statements-since should be discarded by rollback to itself")
	}

	committed, err := tr.Commit(2)
	if err != nil {
		t.Fatal(err)
	}
	// The statement log keeps both inserts, including the one discarded by
	// ROLLBACK TO; replay works from the write-set, not from this log.
	if len(committed.Statements) != 2 {
		t.Fatalf("Statements records every issued statement including the rolled-back one (replay is driven by the write-set, not this log): got %d", len(committed.Statements))
	}
}

func TestTransactionRollback(t *testing.T) {
	tr := New(nil)
	if _, err := tr.Begin(1, 0); err != nil {
		t.Fatal(err)
	}
	if err := tr.Savepoint("sp1", 1); err != nil {
		t.Fatal(err)
	}
	if err := tr.AddStatement("INSERT INTO tbl VALUES (1)"); err != nil {
		t.Fatal(err)
	}
	if err := tr.RollbackTo("sp1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.AddStatement("INSERT INTO tbl VALUES (2)"); err != nil {
		t.Fatal(err)
	}

	tx, err := tr.Rollback(2)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != TxRolledBack {
		t.Fatal("transaction should be rolled back")
	}
	if len(tx.Savepoints) != 1 {
		t.Fatalf("expected 1 savepoint, got %d", len(tx.Savepoints))
	}
}

func TestBackendStatusIsAuthoritative(t *testing.T) {
	warned := false
	tr := New(func(string, ...any) { warned = true })
	if _, err := tr.Begin(1, 0); err != nil {
		t.Fatal(err)
	}
	tr.ObserveBackendStatus(Idle)
	if tr.Status() != Idle {
		t.Fatal("tracker should adopt backend's idle status")
	}
	if !warned {
		t.Fatal("disagreement with backend status should warn")
	}
}

func TestBackendErrorTransitionsToFailed(t *testing.T) {
	tr := New(nil)
	if _, err := tr.Begin(1, 0); err != nil {
		t.Fatal(err)
	}
	tr.BackendError()
	if tr.Status() != Failed {
		t.Fatal("backend error during active transaction should move tracker to failed")
	}
}
