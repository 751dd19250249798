// Package verify implements the verification manager (C5): it binds a
// transaction's pre-state, rewritten statements, and post-state to an
// attested commitment, archives that binding, and drives the challenge
// protocol that replays archived transactions to settle a disputed
// state root. Grounded on original_source/verification/src/state/mod.rs
// and original_source/verification/src/api/mod.rs's challenge/verify
// request shapes.
package verify

import (
	"encoding/binary"
	"fmt"

	"github.com/pgverity/pgverity/internal/dbstate"
	"github.com/pgverity/pgverity/internal/dbval"
	"github.com/pgverity/pgverity/internal/hashcore"
)

// TxCommitment binds a transaction's identity to its pre/post state
// roots, using the TX domain so this hash can never collide with a row,
// table, or block commitment over the same bytes.
func TxCommitment(hasher *hashcore.Hasher, txID uint64, preRoot hashcore.Hash, postRoot hashcore.Hash) (hashcore.Hash, error) {
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], txID)
	h, err := hasher.HashMulti(hashcore.DomainTx, idBytes[:], preRoot.Bytes(), postRoot.Bytes())
	if err != nil {
		return hashcore.Hash{}, fmt.Errorf("verify: tx commitment for %d: %w", txID, err)
	}
	return h, nil
}

// OpHash commits to one write-set entry, used when a challenge's
// evidence cites a specific proposed row change rather than the whole
// transaction.
func OpHash(hasher *hashcore.Hasher, table, rowID string, tombstone bool, row dbval.Row) (hashcore.Hash, error) {
	tomb := byte(0)
	if tombstone {
		tomb = 1
	}
	rowHash := hashcore.Hash{}
	if !tombstone {
		rh, err := row.Hash(hasher)
		if err != nil {
			return hashcore.Hash{}, fmt.Errorf("verify: op hash row for %s/%s: %w", table, rowID, err)
		}
		rowHash = rh
	}
	h, err := hasher.HashMulti(hashcore.DomainOp, []byte(table), []byte(rowID), []byte{tomb}, rowHash.Bytes())
	if err != nil {
		return hashcore.Hash{}, fmt.Errorf("verify: op hash for %s/%s: %w", table, rowID, err)
	}
	return h, nil
}

// BlockCommitment is the block header hash that Manager.Finalize
// computes and returns (the archive stores the BlockState, not this
// hash, and the control plane does not serve it): a hash over the block number, timestamp,
// and state root, distinct from the bare Merkle state root itself so a
// consumer can't confuse "the root of this block's data" with "the
// commitment identifying this block".
func BlockCommitment(hasher *hashcore.Hasher, bs dbstate.BlockState) (hashcore.Hash, error) {
	var numBytes, tsBytes [8]byte
	binary.BigEndian.PutUint64(numBytes[:], bs.BlockNumber)
	binary.BigEndian.PutUint64(tsBytes[:], bs.TimestampS)
	h, err := hasher.HashMulti(hashcore.DomainBlock, numBytes[:], tsBytes[:], bs.StateRoot.Bytes())
	if err != nil {
		return hashcore.Hash{}, fmt.Errorf("verify: block commitment for block %d: %w", bs.BlockNumber, err)
	}
	return h, nil
}

// ChallengeCommitment binds a challenge to the exact claim it disputes:
// a state root at a block number, raised by a specific challenger, with
// supporting evidence bytes.
func ChallengeCommitment(hasher *hashcore.Hasher, stateRoot hashcore.Hash, blockNumber uint64, challenger string, evidence []byte) (hashcore.Hash, error) {
	var numBytes [8]byte
	binary.BigEndian.PutUint64(numBytes[:], blockNumber)
	h, err := hasher.HashMulti(hashcore.DomainChallenge, stateRoot.Bytes(), numBytes[:], []byte(challenger), evidence)
	if err != nil {
		return hashcore.Hash{}, fmt.Errorf("verify: challenge commitment for block %d: %w", blockNumber, err)
	}
	return h, nil
}
