package rewrite

import "testing"

func TestDeterministicTimestampScenario(t *testing.T) {
	// spec scenario 2: two NOW() calls in one tx with block_timestamp=1609459200
	// (2021-01-01 00:00:00 UTC) render as ...000000+00 and ...001000+00.
	ts := NewTimestamp(1609459200)
	first := ts.Next()
	second := ts.Next()

	if first != "2021-01-01 00:00:00.000000+00" {
		t.Fatalf("unexpected first timestamp: %q", first)
	}
	if second != "2021-01-01 00:00:00.001000+00" {
		t.Fatalf("unexpected second timestamp: %q", second)
	}
}

func TestRandomReproducibleBySeed(t *testing.T) {
	r1 := NewRandom(1, 0)
	r2 := NewRandom(1, 0)
	v1 := r1.Float64()
	v2 := r2.Float64()
	if v1 != v2 {
		t.Fatalf("same (tx_id, seed) should reproduce identical sequences: %v != %v", v1, v2)
	}
	if v1 < 0 || v1 >= 1 {
		t.Fatalf("random double out of range: %v", v1)
	}

	r3 := NewRandom(2, 0)
	v3 := r3.Float64()
	if v1 == v3 {
		t.Fatal("different tx_id should diverge on the first call")
	}
}

func TestRandomUUIDVersionBits(t *testing.T) {
	r := NewRandom(1, 0)
	b := r.UUID()
	if b[6]&0xF0 != 0x40 {
		t.Fatalf("expected version 4 nibble, got %x", b[6])
	}
	if b[8]&0xC0 != 0x80 {
		t.Fatalf("expected RFC4122 variant bits, got %x", b[8])
	}
}

func TestStatementRewriteSubstitutesKnownForms(t *testing.T) {
	fns := NewFunctions(42, 1609459200, 0)
	stmt := "INSERT INTO t(id, v) VALUES (1, NOW())"
	res, err := Statement(stmt, fns)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Rewritten {
		t.Fatal("expected statement to be rewritten")
	}
	want := "INSERT INTO t(id, v) VALUES (1, '2021-01-01 00:00:00.000000+00')"
	if res.Statement != want {
		t.Fatalf("got %q want %q", res.Statement, want)
	}
}

func TestStatementRewriteLeavesUnrecognizedUntouched(t *testing.T) {
	fns := NewFunctions(1, 0, 0)
	stmt := "SELECT 1"
	res, err := Statement(stmt, fns)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rewritten {
		t.Fatal("statement with no non-deterministic calls should not be marked rewritten")
	}
	if res.Statement != stmt {
		t.Fatalf("statement should be unchanged, got %q", res.Statement)
	}
}

func TestTwoInsertsWithNowDifferByOneMillisecond(t *testing.T) {
	fns := NewFunctions(42, 1609459200, 0)
	first, err := Statement("INSERT INTO t(id, v) VALUES (1, NOW())", fns)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Statement("INSERT INTO t(id, v) VALUES (2, NOW())", fns)
	if err != nil {
		t.Fatal(err)
	}
	if first.Statement == second.Statement {
		t.Fatal("sequential NOW() calls within a transaction should render distinct timestamps")
	}
	if want := "INSERT INTO t(id, v) VALUES (1, '2021-01-01 00:00:00.000000+00')"; first.Statement != want {
		t.Fatalf("got %q want %q", first.Statement, want)
	}
	if want := "INSERT INTO t(id, v) VALUES (2, '2021-01-01 00:00:00.001000+00')"; second.Statement != want {
		t.Fatalf("got %q want %q", second.Statement, want)
	}
}
