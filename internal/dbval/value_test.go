package dbval

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

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

func TestRowHashColumnOrderInvariant(t *testing.T) {
	h := mustHasher(t)
	r1 := Row{
		ID:        "1",
		TableName: "users",
		Values: map[string]Value{
			"name": NewText("John"),
			"age":  NewInt32(30),
		},
	}
	r2 := Row{
		ID:        "1",
		TableName: "users",
		Values: map[string]Value{
			"age":  NewInt32(30),
			"name": NewText("John"),
		},
	}
	h1, err := r1.Hash(h)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := r2.Hash(h)
	if err != nil {
		t.Fatal(err)
	}
	if !h1.Equal(h2) {
		t.Fatal("row hash should be invariant under column map reordering")
	}
}

func TestRowHashDiffersOnContent(t *testing.T) {
	h := mustHasher(t)
	base := Row{ID: "1", TableName: "users", Values: map[string]Value{"name": NewText("John"), "age": NewInt32(30)}}
	changed := Row{ID: "2", TableName: "users", Values: map[string]Value{"name": NewText("John"), "age": NewInt32(30), "id": NewText("absent-in-first")}}

	hb, _ := base.Hash(h)
	hc, _ := changed.Hash(h)
	if hb.Equal(hc) {
		t.Fatal("rows with different id/content should hash differently")
	}
}

func TestFloat64NaNEquality(t *testing.T) {
	nan1 := NewFloat64(nanValue())
	nan2 := NewFloat64(nanValue())
	if !nan1.Equal(nan2) {
		t.Fatal("all NaNs should compare equal")
	}
}

func nanValue() float64 {
	var zero float64
	return zero / zero
}

func TestValueJSONRoundTrip(t *testing.T) {
	values := []Value{
		NewNull(),
		NewInt32(-7),
		NewInt64(1 << 40),
		NewFloat64(3.25),
		NewText("hello"),
		NewBinary([]byte{0xde, 0xad, 0xbe, 0xef}),
		NewBool(true),
		NewUUID(uuid.MustParse("123e4567-e89b-12d3-a456-426614174000")),
		NewTimestampMS(1700000000000),
		NewJSONText(`{"a":1}`),
	}
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %+v: %v", v, err)
		}
		var got Value
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if !v.Equal(got) {
			t.Fatalf("round trip mismatch: %+v != %+v", v, got)
		}
	}
}
