// Package hashcore implements the domain-separated, length-prefixed secure
// hashing primitive shared by the Merkle forest, state-capture, and
// verification components.
package hashcore

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/sha3"
)

// Size is the fixed output length of every hash produced by this package.
const Size = 32

// Hash is a 32-byte opaque digest.
type Hash [Size]byte

// IsZero reports whether h is the all-zero hash (never itself a valid
// domain-separated output, used as a sentinel).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// ParseHash decodes a hex-encoded 32-byte hash, the wire form used by the
// HTTP control plane's *_hex request and response fields.
func ParseHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("hashcore: %q is not valid hex: %w", s, err)
	}
	if len(b) != Size {
		return Hash{}, fmt.Errorf("hashcore: decoded hash is %d bytes, want %d", len(b), Size)
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// Equal compares two hashes in constant time, independent of the position
// of the first differing byte.
func (h Hash) Equal(other Hash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

// Algorithm selects the underlying digest function. The selector is fixed
// at Hasher construction time and never changes mid-run.
type Algorithm int

const (
	// SHA256 is the default and only required algorithm.
	SHA256 Algorithm = iota
	// Blake2s is a permitted swap-in (spec: "Blake2, Keccak are permitted
	// swap-ins but are not required").
	Blake2s
	// Keccak256 is a permitted swap-in.
	Keccak256
)

func (a Algorithm) String() string {
	switch a {
	case SHA256:
		return "sha256"
	case Blake2s:
		return "blake2s"
	case Keccak256:
		return "keccak256"
	default:
		return "unknown"
	}
}

func (a Algorithm) newDigest() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case Blake2s:
		return blake2s.New256(nil)
	case Keccak256:
		return sha3.NewLegacyKeccak256(), nil
	default:
		return nil, fmt.Errorf("hashcore: unknown algorithm %d", a)
	}
}

// Reserved domains, per spec §4.1. Any two distinct domains yield distinct
// hashes for all inputs, provable from the length-prefix byte.
const (
	DomainLeaf      = "LEAF"
	DomainInternal  = "INTERNAL"
	DomainEmpty     = "EMPTY"
	DomainRoot      = "ROOT"
	DomainProof     = "PROOF"
	DomainRow       = "ROW"
	DomainTable     = "TABLE"
	DomainTx        = "TX"
	DomainOp        = "OP"
	DomainBlock     = "BLOCK"
	DomainChallenge = "CHALLENGE"
)

// Hasher exposes the domain-separated hashing contract. It is safe for
// concurrent use: each call allocates its own digest state.
type Hasher struct {
	algo Algorithm
}

// New constructs a Hasher bound to algo. Construct once at engine
// initialization; do not swap the algorithm afterward.
func New(algo Algorithm) (*Hasher, error) {
	if _, err := algo.newDigest(); err != nil {
		return nil, err
	}
	return &Hasher{algo: algo}, nil
}

// Algorithm reports the bound algorithm.
func (h *Hasher) Algorithm() Algorithm {
	return h.algo
}

// Hash computes H(domain, data) = digest(domain_bytes || [len(domain) as u8] || data).
//
// domain must be ASCII and at most 255 bytes.
func (h *Hasher) Hash(domain string, data []byte) (Hash, error) {
	if len(domain) > 255 {
		return Hash{}, fmt.Errorf("hashcore: domain %q exceeds 255 bytes", domain)
	}
	if !isASCII(domain) {
		return Hash{}, fmt.Errorf("hashcore: domain %q is not ASCII", domain)
	}
	d, err := h.algo.newDigest()
	if err != nil {
		return Hash{}, err
	}
	d.Write([]byte(domain))
	d.Write([]byte{byte(len(domain))})
	d.Write(data)
	return sum(d), nil
}

// HashMulti computes the order-sensitive multi-input variant:
// digest(domain_bytes || [len(domain) as u8] || [n as u8] || concat(len(d_i) as u32-BE || d_i)).
//
// n is capped at 255; callers needing more must chunk into sub-hashes.
func (h *Hasher) HashMulti(domain string, parts ...[]byte) (Hash, error) {
	if len(domain) > 255 {
		return Hash{}, fmt.Errorf("hashcore: domain %q exceeds 255 bytes", domain)
	}
	if !isASCII(domain) {
		return Hash{}, fmt.Errorf("hashcore: domain %q is not ASCII", domain)
	}
	if len(parts) > 255 {
		return Hash{}, fmt.Errorf("hashcore: %d inputs exceeds the 255-input maximum; chunk into sub-hashes", len(parts))
	}
	d, err := h.algo.newDigest()
	if err != nil {
		return Hash{}, err
	}
	d.Write([]byte(domain))
	d.Write([]byte{byte(len(domain))})
	d.Write([]byte{byte(len(parts))})
	var lenBuf [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(p)))
		d.Write(lenBuf[:])
		d.Write(p)
	}
	return sum(d), nil
}

func sum(d hash.Hash) Hash {
	var out Hash
	copy(out[:], d.Sum(nil)[:Size])
	return out
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
