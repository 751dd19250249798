package hashcore

import "testing"

func mustHasher(t *testing.T, algo Algorithm) *Hasher {
	t.Helper()
	h, err := New(algo)
	if err != nil {
		t.Fatalf("New(%v): %v", algo, err)
	}
	return h
}

func TestDomainSeparation(t *testing.T) {
	h := mustHasher(t, SHA256)
	data := []byte("test data")

	domains := []string{DomainLeaf, DomainInternal, DomainEmpty, DomainRoot, DomainProof, DomainRow, DomainTable, DomainTx, DomainOp, DomainBlock, DomainChallenge}
	seen := map[Hash]string{}
	for _, d := range domains {
		hv, err := h.Hash(d, data)
		if err != nil {
			t.Fatalf("Hash(%q): %v", d, err)
		}
		if prior, ok := seen[hv]; ok {
			t.Fatalf("domain %q collides with domain %q", d, prior)
		}
		seen[hv] = d
	}
}

func TestMultiInputOrderSensitive(t *testing.T) {
	h := mustHasher(t, SHA256)
	a, b := []byte("a"), []byte("b")

	hab, err := h.HashMulti(DomainInternal, a, b)
	if err != nil {
		t.Fatal(err)
	}
	hba, err := h.HashMulti(DomainInternal, b, a)
	if err != nil {
		t.Fatal(err)
	}
	if hab.Equal(hba) {
		t.Fatal("HashMulti(a,b) should differ from HashMulti(b,a)")
	}

	hsame1, _ := h.HashMulti(DomainInternal, a, a)
	hsame2, _ := h.HashMulti(DomainInternal, a, a)
	if !hsame1.Equal(hsame2) {
		t.Fatal("HashMulti should be deterministic")
	}
}

func TestHashMultiMaxInputs(t *testing.T) {
	h := mustHasher(t, SHA256)
	parts := make([][]byte, 255)
	for i := range parts {
		parts[i] = []byte{byte(i)}
	}
	if _, err := h.HashMulti(DomainInternal, parts...); err != nil {
		t.Fatalf("255 inputs should be accepted: %v", err)
	}

	tooMany := make([][]byte, 256)
	copy(tooMany, parts)
	tooMany[255] = []byte{0xff}
	if _, err := h.HashMulti(DomainInternal, tooMany...); err == nil {
		t.Fatal("256 inputs should be rejected")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	h := mustHasher(t, SHA256)
	a, _ := h.Hash(DomainLeaf, []byte("x"))
	b := a
	b[31] ^= 0x01
	if a.Equal(b) {
		t.Fatal("tampered hash should not compare equal")
	}
	if !a.Equal(a) {
		t.Fatal("a hash should equal itself")
	}
}

func TestAlternateAlgorithms(t *testing.T) {
	for _, algo := range []Algorithm{SHA256, Blake2s, Keccak256} {
		h := mustHasher(t, algo)
		v, err := h.Hash(DomainLeaf, []byte("payload"))
		if err != nil {
			t.Fatalf("%v: %v", algo, err)
		}
		if v.IsZero() {
			t.Fatalf("%v: hash should not be zero", algo)
		}
	}

	sha, _ := New(SHA256)
	blake, _ := New(Blake2s)
	keccak, _ := New(Keccak256)
	hs, _ := sha.Hash(DomainLeaf, []byte("x"))
	hb, _ := blake.Hash(DomainLeaf, []byte("x"))
	hk, _ := keccak.Hash(DomainLeaf, []byte("x"))
	if hs.Equal(hb) || hs.Equal(hk) || hb.Equal(hk) {
		t.Fatal("different algorithms should not produce identical digests")
	}
}

func TestDomainTooLongRejected(t *testing.T) {
	h := mustHasher(t, SHA256)
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := h.Hash(string(long), []byte("x")); err == nil {
		t.Fatal("domain longer than 255 bytes should be rejected")
	}
}
