// Package dbval implements the tagged Value union and row hashing used by
// the state-capture and Merkle forest components.
package dbval

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/pgverity/pgverity/internal/hashcore"
)

// Kind tags a Value's underlying type.
type Kind byte

const (
	KindNull Kind = iota
	KindInt32
	KindInt64
	KindFloat64
	KindText
	KindBinary
	KindBool
	KindUUID
	KindTimestampMS
	KindJSONText
)

// Value is a tagged union over the column types the engine understands.
type Value struct {
	Kind Kind

	i64 int64
	f64 float64
	str string
	bin []byte
	b   bool
	u   uuid.UUID
}

func NewNull() Value                { return Value{Kind: KindNull} }
func NewInt32(v int32) Value        { return Value{Kind: KindInt32, i64: int64(v)} }
func NewInt64(v int64) Value        { return Value{Kind: KindInt64, i64: v} }
func NewFloat64(v float64) Value    { return Value{Kind: KindFloat64, f64: v} }
func NewText(v string) Value        { return Value{Kind: KindText, str: v} }
func NewBinary(v []byte) Value      { return Value{Kind: KindBinary, bin: v} }
func NewBool(v bool) Value          { return Value{Kind: KindBool, b: v} }
func NewUUID(v uuid.UUID) Value     { return Value{Kind: KindUUID, u: v} }
func NewTimestampMS(ms int64) Value { return Value{Kind: KindTimestampMS, i64: ms} }
func NewJSONText(v string) Value    { return Value{Kind: KindJSONText, str: v} }

func (v Value) Int32() int32        { return int32(v.i64) }
func (v Value) Int64() int64        { return v.i64 }
func (v Value) Float64() float64    { return v.f64 }
func (v Value) Text() string        { return v.str }
func (v Value) Binary() []byte      { return v.bin }
func (v Value) Bool() bool          { return v.b }
func (v Value) UUID() uuid.UUID     { return v.u }
func (v Value) TimestampMS() int64  { return v.i64 }
func (v Value) JSONText() string    { return v.str }

// Equal reports value equality. All NaN float64s compare equal to each other.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindFloat64:
		if math.IsNaN(v.f64) && math.IsNaN(other.f64) {
			return true
		}
		return v.f64 == other.f64
	case KindInt32, KindInt64, KindTimestampMS:
		return v.i64 == other.i64
	case KindText, KindJSONText:
		return v.str == other.str
	case KindBinary:
		if len(v.bin) != len(other.bin) {
			return false
		}
		for i := range v.bin {
			if v.bin[i] != other.bin[i] {
				return false
			}
		}
		return true
	case KindBool:
		return v.b == other.b
	case KindUUID:
		return v.u == other.u
	default:
		return false
	}
}

// Bytes renders the fixed per-tag serialization used in hashing:
// big-endian for numeric tags, raw UTF-8 for text/json, 16 bytes for uuid,
// empty for null.
func (v Value) Bytes() []byte {
	switch v.Kind {
	case KindNull:
		return nil
	case KindInt32:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(int32(v.i64)))
		return b[:]
	case KindInt64, KindTimestampMS:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.i64))
		return b[:]
	case KindFloat64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.f64))
		return b[:]
	case KindText, KindJSONText:
		return []byte(v.str)
	case KindBinary:
		return v.bin
	case KindBool:
		if v.b {
			return []byte{1}
		}
		return []byte{0}
	case KindUUID:
		b := v.u
		return b[:]
	default:
		return nil
	}
}

// valueJSON is Value's archive/wire representation, since Value's
// backing fields are unexported and type-punned across kinds.
type valueJSON struct {
	Kind  Kind    `json:"kind"`
	Int   int64   `json:"int,omitempty"`
	Float float64 `json:"float,omitempty"`
	Str   string  `json:"str,omitempty"`
	Bin   []byte  `json:"bin,omitempty"`
	Bool  bool    `json:"bool,omitempty"`
	UUID  string  `json:"uuid,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	aux := valueJSON{Kind: v.Kind}
	switch v.Kind {
	case KindInt32, KindInt64, KindTimestampMS:
		aux.Int = v.i64
	case KindFloat64:
		aux.Float = v.f64
	case KindText, KindJSONText:
		aux.Str = v.str
	case KindBinary:
		aux.Bin = v.bin
	case KindBool:
		aux.Bool = v.b
	case KindUUID:
		aux.UUID = v.u.String()
	}
	return json.Marshal(aux)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var aux valueJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("dbval: unmarshal value: %w", err)
	}
	switch aux.Kind {
	case KindNull:
		*v = NewNull()
	case KindInt32:
		*v = NewInt32(int32(aux.Int))
	case KindInt64:
		*v = NewInt64(aux.Int)
	case KindFloat64:
		*v = NewFloat64(aux.Float)
	case KindText:
		*v = NewText(aux.Str)
	case KindBinary:
		*v = NewBinary(aux.Bin)
	case KindBool:
		*v = NewBool(aux.Bool)
	case KindUUID:
		u, err := uuid.Parse(aux.UUID)
		if err != nil {
			return fmt.Errorf("dbval: unmarshal uuid value: %w", err)
		}
		*v = NewUUID(u)
	case KindTimestampMS:
		*v = NewTimestampMS(aux.Int)
	case KindJSONText:
		*v = NewJSONText(aux.Str)
	default:
		return fmt.Errorf("dbval: unknown value kind %d", aux.Kind)
	}
	return nil
}

// Row is an engine-captured row: a stable identity plus a column→value map.
type Row struct {
	ID        string
	TableName string
	Values    map[string]Value
}

// Hash computes H(ROW, id || table_name || concat(sorted column_bytes || value_bytes)).
// Column map ordering is irrelevant: columns are sorted by name first.
func (r Row) Hash(hasher *hashcore.Hasher) (hashcore.Hash, error) {
	names := make([]string, 0, len(r.Values))
	for name := range r.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	payload := make([]byte, 0, 64)
	payload = append(payload, []byte(r.ID)...)
	payload = append(payload, []byte(r.TableName)...)
	for _, name := range names {
		payload = append(payload, []byte(name)...)
		payload = append(payload, r.Values[name].Bytes()...)
	}
	h, err := hasher.Hash(hashcore.DomainRow, payload)
	if err != nil {
		return hashcore.Hash{}, fmt.Errorf("dbval: hash row %s/%s: %w", r.TableName, r.ID, err)
	}
	return h, nil
}
