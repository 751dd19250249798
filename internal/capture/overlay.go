package capture

import "github.com/pgverity/pgverity/internal/dbval"

// overlayEntry is one proposed change in a transaction's write-set.
type overlayEntry struct {
	tombstone bool
	row       dbval.Row
}

type overlayKey struct {
	table string
	rowID string
}

// Overlay is a per-transaction write-set layered over the base snapshot,
// per spec §4.3's transaction snapshot protocol. It supports nested
// savepoint checkpoints: ROLLBACK TO truncates back to a checkpoint,
// RELEASE collapses one into its parent.
//
// The overlay preserves insertion order only for statement replay
// bookkeeping; the state root depends solely on the final key/value set.
type Overlay struct {
	entries     map[overlayKey]overlayEntry
	order       []overlayKey
	checkpoints map[string]checkpoint
}

type checkpoint struct {
	orderLen int
	snapshot map[overlayKey]overlayEntry
}

// NewOverlay constructs an empty write-set overlay.
func NewOverlay() *Overlay {
	return &Overlay{
		entries:     map[overlayKey]overlayEntry{},
		checkpoints: map[string]checkpoint{},
	}
}

// Put records an insert/update in the overlay.
func (o *Overlay) Put(table, rowID string, row dbval.Row) {
	key := overlayKey{table, rowID}
	if _, exists := o.entries[key]; !exists {
		o.order = append(o.order, key)
	}
	o.entries[key] = overlayEntry{row: row}
}

// Delete records a tombstone (DELETE) in the overlay.
func (o *Overlay) Delete(table, rowID string) {
	key := overlayKey{table, rowID}
	if _, exists := o.entries[key]; !exists {
		o.order = append(o.order, key)
	}
	o.entries[key] = overlayEntry{tombstone: true}
}

// Get returns the overlay's current value for (table, rowID), if present.
func (o *Overlay) Get(table, rowID string) (row dbval.Row, tombstone bool, ok bool) {
	e, exists := o.entries[overlayKey{table, rowID}]
	if !exists {
		return dbval.Row{}, false, false
	}
	return e.row, e.tombstone, true
}

// Checkpoint pushes a named checkpoint capturing the overlay's current
// state, for a later RollbackTo(name).
func (o *Overlay) Checkpoint(name string) {
	snap := make(map[overlayKey]overlayEntry, len(o.entries))
	for k, v := range o.entries {
		snap[k] = v
	}
	o.checkpoints[name] = checkpoint{orderLen: len(o.order), snapshot: snap}
}

// Release discards a checkpoint's bookkeeping without altering the
// overlay's current contents (the checkpoint collapses into its
// surrounding layer).
func (o *Overlay) Release(name string) {
	delete(o.checkpoints, name)
}

// RollbackTo restores the overlay to the state recorded at name's
// checkpoint. name's own checkpoint remains registered afterward so it
// can be released or rolled back to again.
func (o *Overlay) RollbackTo(name string) bool {
	cp, ok := o.checkpoints[name]
	if !ok {
		return false
	}
	restored := make(map[overlayKey]overlayEntry, len(cp.snapshot))
	for k, v := range cp.snapshot {
		restored[k] = v
	}
	o.entries = restored
	o.order = o.order[:cp.orderLen]
	return true
}

// Ops flattens the overlay into an ordered list of base-snapshot writes,
// using insertion order among distinct keys (the final value per key is
// what matters; order does not affect the resulting state root).
func (o *Overlay) Ops() []Op {
	ops := make([]Op, 0, len(o.order))
	seen := map[overlayKey]struct{}{}
	for _, key := range o.order {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		e := o.entries[key]
		ops = append(ops, Op{Table: key.table, RowID: key.rowID, Tombstone: e.tombstone, Row: e.row})
	}
	return ops
}

// Empty reports whether the overlay has no pending writes.
func (o *Overlay) Empty() bool {
	return len(o.entries) == 0
}
