// Package dbstate builds TableState and BlockState commitments from
// captured rows, per the forest composition rules in the Merkle forest
// component: each table's root is the leaf-sequence root of its rows
// sorted by row_id, and the block's state_root is the root over
// table_name||table_root concatenations sorted by table name.
package dbstate

import (
	"fmt"
	"sort"

	"github.com/pgverity/pgverity/internal/dbval"
	"github.com/pgverity/pgverity/internal/hashcore"
	"github.com/pgverity/pgverity/internal/merkle"
)

// TableState is the engine's view of one table at a given version.
type TableState struct {
	Name          string
	SchemaVersion int
	Columns       []string
	RowsByID      map[string]dbval.Row
	Root          hashcore.Hash
}

// Recompute rebuilds Root from RowsByID. Row ordering is always by row_id
// ascending, so the result is deterministic regardless of map iteration
// order.
func (ts *TableState) Recompute(hasher *hashcore.Hasher) error {
	ids := make([]string, 0, len(ts.RowsByID))
	for id := range ts.RowsByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	leaves := make([][]byte, len(ids))
	for i, id := range ids {
		row := ts.RowsByID[id]
		h, err := row.Hash(hasher)
		if err != nil {
			return fmt.Errorf("dbstate: hash row %s/%s: %w", ts.Name, id, err)
		}
		leaves[i] = h.Bytes()
	}
	tree, err := merkle.Build(hasher, leaves)
	if err != nil {
		return fmt.Errorf("dbstate: build tree for table %s: %w", ts.Name, err)
	}
	root, err := tree.Root()
	if err != nil {
		return fmt.Errorf("dbstate: root for table %s: %w", ts.Name, err)
	}
	ts.Root = root
	return nil
}

// Proof returns an inclusion proof for rowID against ts.Root, along with
// the position it was found at.
func (ts *TableState) Proof(hasher *hashcore.Hasher, rowID string) (*merkle.Proof, error) {
	ids := make([]string, 0, len(ts.RowsByID))
	for id := range ts.RowsByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	leaves := make([][]byte, len(ids))
	target := -1
	for i, id := range ids {
		row := ts.RowsByID[id]
		h, err := row.Hash(hasher)
		if err != nil {
			return nil, err
		}
		leaves[i] = h.Bytes()
		if id == rowID {
			target = i
		}
	}
	if target < 0 {
		return nil, fmt.Errorf("dbstate: row %s not found in table %s", rowID, ts.Name)
	}
	tree, err := merkle.Build(hasher, leaves)
	if err != nil {
		return nil, err
	}
	return tree.Proof(target)
}

// BlockState is a commitment to the engine's full multi-table state at a
// block boundary.
type BlockState struct {
	BlockNumber uint64
	TimestampS  uint64
	TableRoots  map[string]hashcore.Hash
	StateRoot   hashcore.Hash
}

// Recompute derives StateRoot from TableRoots: the Merkle root of
// table_name||table_root concatenations, sorted by table name ascending.
func (bs *BlockState) Recompute(hasher *hashcore.Hasher) error {
	names := make([]string, 0, len(bs.TableRoots))
	for name := range bs.TableRoots {
		names = append(names, name)
	}
	sort.Strings(names)

	leaves := make([][]byte, len(names))
	for i, name := range names {
		root := bs.TableRoots[name]
		leaf := make([]byte, 0, len(name)+hashcore.Size)
		leaf = append(leaf, []byte(name)...)
		leaf = append(leaf, root.Bytes()...)
		leaves[i] = leaf
	}
	tree, err := merkle.Build(hasher, leaves)
	if err != nil {
		return err
	}
	root, err := tree.Root()
	if err != nil {
		return err
	}
	bs.StateRoot = root
	return nil
}
