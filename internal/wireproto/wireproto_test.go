package wireproto

import (
	"bufio"
	"bytes"
	"testing"
)

func TestStartupMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := StartupMessage{
		Version:    ProtocolVersion{Major: 3, Minor: 0},
		Parameters: map[string]string{"user": "alice", "database": "verity"},
	}
	if err := WriteStartupMessage(&buf, msg); err != nil {
		t.Fatal(err)
	}

	got, err := ReadStartupFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	sm, ok := got.(StartupMessage)
	if !ok {
		t.Fatalf("expected StartupMessage, got %T", got)
	}
	if sm.Version.Major != 3 || sm.Version.Minor != 0 {
		t.Fatalf("unexpected version: %+v", sm.Version)
	}
	if sm.Parameters["user"] != "alice" || sm.Parameters["database"] != "verity" {
		t.Fatalf("unexpected parameters: %+v", sm.Parameters)
	}
}

func TestSSLRequestDetected(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 8})
	buf.Write([]byte{4, 210, 22, 47}) // 80877103 big-endian

	got, err := ReadStartupFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got.(SSLRequest); !ok {
		t.Fatalf("expected SSLRequest, got %T", got)
	}
}

func TestCancelRequestDecoded(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 16})
	buf.Write([]byte{4, 210, 22, 46}) // 80877102 big-endian
	buf.Write([]byte{0, 0, 1, 0})     // process id 256
	buf.Write([]byte{0, 0, 2, 0})     // secret key 512

	got, err := ReadStartupFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	cr, ok := got.(CancelRequest)
	if !ok {
		t.Fatalf("expected CancelRequest, got %T", got)
	}
	if cr.ProcessID != 256 || cr.SecretKey != 512 {
		t.Fatalf("unexpected cancel request: %+v", cr)
	}
}

func TestQueryRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	tag, body, err := EncodeFrontendMessage(Query{SQL: "SELECT 1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(&buf, tag, body); err != nil {
		t.Fatal(err)
	}

	rtag, rbody, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	msg, err := DecodeFrontendMessage(rtag, rbody)
	if err != nil {
		t.Fatal(err)
	}
	q, ok := msg.(Query)
	if !ok || q.SQL != "SELECT 1" {
		t.Fatalf("unexpected decode: %#v", msg)
	}
}

func TestExtendedQuerySequenceRoundTrip(t *testing.T) {
	messages := []any{
		Parse{Name: "stmt1", Query: "SELECT $1", ParamTypes: []int32{23}},
		Bind{
			Portal:        "",
			Statement:     "stmt1",
			ParamFormats:  []int16{0},
			ParamValues:   [][]byte{[]byte("42")},
			ResultFormats: []int16{0},
		},
		Describe{ObjectType: 'P', Name: ""},
		Execute{Portal: "", MaxRows: 0},
		Sync{},
	}

	for _, m := range messages {
		var buf bytes.Buffer
		tag, body, err := EncodeFrontendMessage(m)
		if err != nil {
			t.Fatalf("encode %T: %v", m, err)
		}
		if err := WriteFrame(&buf, tag, body); err != nil {
			t.Fatal(err)
		}
		rtag, rbody, err := ReadFrame(bufio.NewReader(&buf))
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := DecodeFrontendMessage(rtag, rbody)
		if err != nil {
			t.Fatalf("decode %T: %v", m, err)
		}
		switch orig := m.(type) {
		case Bind:
			got := decoded.(Bind)
			if got.Statement != orig.Statement || len(got.ParamValues) != 1 || string(got.ParamValues[0]) != "42" {
				t.Fatalf("bind mismatch: %+v", got)
			}
		case Parse:
			got := decoded.(Parse)
			if got.Name != orig.Name || got.Query != orig.Query || len(got.ParamTypes) != 1 {
				t.Fatalf("parse mismatch: %+v", got)
			}
		}
	}
}

func TestNullBindValuePreserved(t *testing.T) {
	msg := Bind{
		Statement:     "s",
		ParamFormats:  []int16{0},
		ParamValues:   [][]byte{nil},
		ResultFormats: []int16{0},
	}
	tag, body, err := EncodeFrontendMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeFrontendMessage(tag, body)
	if err != nil {
		t.Fatal(err)
	}
	got := decoded.(Bind)
	if got.ParamValues[0] != nil {
		t.Fatalf("expected nil (SQL NULL), got %v", got.ParamValues[0])
	}
}

func TestReadyForQueryRoundTrip(t *testing.T) {
	for _, status := range []TransactionStatus{TxStatusIdle, TxStatusInTx, TxStatusFailed} {
		var buf bytes.Buffer
		tag, body, err := EncodeBackendMessage(ReadyForQuery{Status: status})
		if err != nil {
			t.Fatal(err)
		}
		if err := WriteFrame(&buf, tag, body); err != nil {
			t.Fatal(err)
		}
		rtag, rbody, err := ReadFrame(bufio.NewReader(&buf))
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := DecodeBackendMessage(rtag, rbody)
		if err != nil {
			t.Fatal(err)
		}
		rfq, ok := decoded.(ReadyForQuery)
		if !ok || rfq.Status != status {
			t.Fatalf("unexpected readyforquery roundtrip for %v: %+v", status, decoded)
		}
	}
}

func TestRowDescriptionAndDataRowRoundTrip(t *testing.T) {
	rd := RowDescription{Fields: []FieldDescription{
		{Name: "id", DataTypeOID: 23, DataTypeSize: 4, FormatCode: 0},
		{Name: "name", DataTypeOID: 25, DataTypeSize: -1, FormatCode: 0},
	}}
	tag, body, err := EncodeBackendMessage(rd)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeBackendMessage(tag, body)
	if err != nil {
		t.Fatal(err)
	}
	got := decoded.(RowDescription)
	if len(got.Fields) != 2 || got.Fields[0].Name != "id" || got.Fields[1].Name != "name" {
		t.Fatalf("unexpected row description: %+v", got)
	}

	dr := DataRow{Values: [][]byte{[]byte("1"), nil}}
	tag, body, err = EncodeBackendMessage(dr)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err = DecodeBackendMessage(tag, body)
	if err != nil {
		t.Fatal(err)
	}
	gotRow := decoded.(DataRow)
	if string(gotRow.Values[0]) != "1" || gotRow.Values[1] != nil {
		t.Fatalf("unexpected data row: %+v", gotRow)
	}
}

func TestErrorResponseFieldsRoundTrip(t *testing.T) {
	er := NewErrorResponse("ERROR", "42601", "syntax error")
	tag, body, err := EncodeBackendMessage(er)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeBackendMessage(tag, body)
	if err != nil {
		t.Fatal(err)
	}
	got := decoded.(ErrorResponse)
	msg, ok := got.Get(FieldMessage)
	if !ok || msg != "syntax error" {
		t.Fatalf("unexpected error response: %+v", got)
	}
	code, ok := got.Get(FieldCode)
	if !ok || code != "42601" {
		t.Fatalf("unexpected sqlstate: %+v", got)
	}
}

func TestAuthenticationSASLRoundTrip(t *testing.T) {
	msg := AuthenticationSASL{Mechanisms: []string{"SCRAM-SHA-256"}}
	tag, body, err := EncodeBackendMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeBackendMessage(tag, body)
	if err != nil {
		t.Fatal(err)
	}
	got := decoded.(AuthenticationSASL)
	if len(got.Mechanisms) != 1 || got.Mechanisms[0] != "SCRAM-SHA-256" {
		t.Fatalf("unexpected SASL mechanisms: %+v", got)
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte('Q')
	buf.Write([]byte{0x7f, 0xff, 0xff, 0xff}) // huge declared length
	if _, _, err := ReadFrame(bufio.NewReader(&buf)); err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}
