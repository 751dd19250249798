// Package rewrite implements determinism rewriting: deterministic
// replacements for non-deterministic SQL functions (current timestamp,
// random(), uuid-v4, transaction id) seeded by a fixed
// (transaction-id, block-timestamp, seed) triple, so replaying a
// transaction reproduces bit-identical results.
package rewrite

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	// lcgA and lcgC are the linear-congruential-generator constants
	// mandated by the spec: next = seed*A + C, wrapping arithmetic.
	lcgA uint64 = 6364136223846793005
	lcgC uint64 = 1442695040888963407
)

func lcgNext(seed uint64) uint64 {
	return seed*lcgA + lcgC
}

// combineSeeds derives the initial LCG seed from (tx_id, seed) via
// SHA256(tx_id_le || seed_le)[0:8], read back little-endian.
func combineSeeds(txID, seed uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], txID)
	binary.LittleEndian.PutUint64(buf[8:16], seed)
	sum := sha256.Sum256(buf[:])
	return binary.LittleEndian.Uint64(sum[0:8])
}

// Timestamp produces deterministic replacements for NOW()/CURRENT_TIMESTAMP.
// Each call to Next increments a logical counter so that two timestamp
// calls within one transaction differ by exactly 1ms.
type Timestamp struct {
	blockTimestampS int64
	logicalMS       int64
}

// NewTimestamp builds a Timestamp anchored at blockTimestampS (seconds
// since epoch).
func NewTimestamp(blockTimestampS int64) *Timestamp {
	return &Timestamp{blockTimestampS: blockTimestampS}
}

// Next renders the current logical timestamp as
// "YYYY-MM-DD HH:MM:SS.uuuuuu+00" and then increments the logical
// counter for the next call.
func (ts *Timestamp) Next() string {
	t := time.Unix(ts.blockTimestampS, 0).Add(time.Duration(ts.logicalMS) * time.Millisecond).UTC()
	micros := t.Nanosecond() / 1000
	rendered := fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d.%06d+00",
		t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second(), micros)
	ts.logicalMS++
	return rendered
}

// Random produces deterministic replacements for random()/random-uuid
// generators, seeded by combine(tx_id, seed).
type Random struct {
	seed uint64
}

// NewRandom constructs a Random PRNG for the given transaction id and
// caller-supplied seed.
func NewRandom(txID, seed uint64) *Random {
	return &Random{seed: combineSeeds(txID, seed)}
}

// Float64 returns a deterministic pseudo-random double in [0, 1).
func (r *Random) Float64() float64 {
	r.seed = lcgNext(r.seed)
	return float64(r.seed) / float64(^uint64(0))
}

// Int32 returns a deterministic pseudo-random integer in [min, max].
func (r *Random) Int32(min, max int32) int32 {
	rng := uint64(max-min) + 1
	v := r.Float64()
	return min + int32(v*float64(rng))
}

// UUID returns a deterministic version-4 UUID (RFC 4122 variant/version
// bits fixed) as 16 raw bytes; UUIDString renders it in canonical form.
func (r *Random) UUID() [16]byte {
	var b [16]byte
	for i := range b {
		r.seed = lcgNext(r.seed)
		b[i] = byte(r.seed % 256)
	}
	b[6] = (b[6] & 0x0F) | 0x40 // version 4
	b[8] = (b[8] & 0x3F) | 0x80 // RFC 4122 variant
	return b
}

// UUIDString renders UUID() in canonical 8-4-4-4-12 hex form.
func (r *Random) UUIDString() string {
	b := r.UUID()
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// Functions bundles the deterministic replacements available to the
// rewriter for one transaction.
type Functions struct {
	TxID      uint64
	timestamp *Timestamp
	random    *Random
}

// NewFunctions builds a Functions bundle for txID anchored at
// blockTimestampS and seeded by seed.
func NewFunctions(txID uint64, blockTimestampS int64, seed uint64) *Functions {
	return &Functions{
		TxID:      txID,
		timestamp: NewTimestamp(blockTimestampS),
		random:    NewRandom(txID, seed),
	}
}

// Timestamp returns the next deterministic rendered timestamp.
func (f *Functions) Timestamp() string { return f.timestamp.Next() }

// RandomFloat64 returns the next deterministic random double.
func (f *Functions) RandomFloat64() float64 { return f.random.Float64() }

// RandomUUID returns the next deterministic random UUID string.
func (f *Functions) RandomUUID() string { return f.random.UUIDString() }

// TxIDLiteral returns the constant literal for the transaction-id
// function replacement.
func (f *Functions) TxIDLiteral() uint64 { return f.TxID }
