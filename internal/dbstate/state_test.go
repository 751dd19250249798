package dbstate

import (
	"testing"

	"github.com/pgverity/pgverity/internal/dbval"
	"github.com/pgverity/pgverity/internal/hashcore"
	"github.com/pgverity/pgverity/internal/merkle"
)

func mustHasher(t *testing.T) *hashcore.Hasher {
	t.Helper()
	h, err := hashcore.New(hashcore.SHA256)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestTableStateInsertScenario(t *testing.T) {
	h := mustHasher(t)

	ts := &TableState{Name: "users", RowsByID: map[string]dbval.Row{}}
	if err := ts.Recompute(h); err != nil {
		t.Fatal(err)
	}
	rootBefore := ts.Root

	ts.RowsByID["1"] = dbval.Row{ID: "1", TableName: "users", Values: map[string]dbval.Value{
		"name": dbval.NewText("John"),
		"age":  dbval.NewInt32(30),
	}}
	if err := ts.Recompute(h); err != nil {
		t.Fatal(err)
	}
	rootAfterFirst := ts.Root
	if rootAfterFirst.Equal(rootBefore) {
		t.Fatal("table root should change after first commit")
	}

	proof, err := ts.Proof(h, "1")
	if err != nil {
		t.Fatal(err)
	}
	if !merkle.Verify(h, proof, rootAfterFirst) {
		t.Fatal("proof for row 1 should verify against table root after first commit")
	}

	ts.RowsByID["2"] = dbval.Row{ID: "2", TableName: "users", Values: map[string]dbval.Value{
		"name": dbval.NewText("John"),
		"age":  dbval.NewInt32(30),
	}}
	if err := ts.Recompute(h); err != nil {
		t.Fatal(err)
	}
	rootAfterSecond := ts.Root
	if rootAfterSecond.Equal(rootAfterFirst) {
		t.Fatal("table root after second commit should differ from after first")
	}

	row1, _ := ts.RowsByID["1"].Hash(h)
	row2, _ := ts.RowsByID["2"].Hash(h)
	if row1.Equal(row2) {
		t.Fatal("distinct row ids should hash differently even with identical column values")
	}
}

func TestBlockStateRecompute(t *testing.T) {
	h := mustHasher(t)
	tOne := &TableState{Name: "accounts", RowsByID: map[string]dbval.Row{
		"1": {ID: "1", TableName: "accounts", Values: map[string]dbval.Value{"balance": dbval.NewInt64(100)}},
	}}
	tTwo := &TableState{Name: "ledger", RowsByID: map[string]dbval.Row{
		"1": {ID: "1", TableName: "ledger", Values: map[string]dbval.Value{"amount": dbval.NewInt64(5)}},
	}}
	if err := tOne.Recompute(h); err != nil {
		t.Fatal(err)
	}
	if err := tTwo.Recompute(h); err != nil {
		t.Fatal(err)
	}

	bs := &BlockState{BlockNumber: 1, TableRoots: map[string]hashcore.Hash{
		"accounts": tOne.Root,
		"ledger":   tTwo.Root,
	}}
	if err := bs.Recompute(h); err != nil {
		t.Fatal(err)
	}
	if bs.StateRoot.IsZero() {
		t.Fatal("state root should not be zero")
	}

	bs2 := &BlockState{BlockNumber: 1, TableRoots: map[string]hashcore.Hash{
		"ledger":   tTwo.Root,
		"accounts": tOne.Root,
	}}
	if err := bs2.Recompute(h); err != nil {
		t.Fatal(err)
	}
	if !bs.StateRoot.Equal(bs2.StateRoot) {
		t.Fatal("state root should not depend on map iteration order (sorted by table name internally)")
	}
}
