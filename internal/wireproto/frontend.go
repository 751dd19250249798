package wireproto

import "fmt"

// Frontend message tags, per the Postgres wire protocol.
const (
	tagPassword    byte = 'p'
	tagQuery       byte = 'Q'
	tagParse       byte = 'P'
	tagBind        byte = 'B'
	tagDescribe    byte = 'D'
	tagExecute     byte = 'E'
	tagSync        byte = 'S'
	tagFlush       byte = 'H'
	tagClose       byte = 'C'
	tagTerminate   byte = 'X'
	tagCopyData    byte = 'd'
	tagCopyDone    byte = 'c'
	tagCopyFail    byte = 'f'
	tagFunctionCall byte = 'F'
)

// PasswordMessage carries a cleartext password, an MD5 hash, or a SASL
// response, depending on which AuthenticationRequest preceded it.
type PasswordMessage struct{ Value string }

// Query is a simple-query-protocol request.
type Query struct{ SQL string }

// Parse is an extended-query-protocol request to prepare a statement.
type Parse struct {
	Name       string
	Query      string
	ParamTypes []int32
}

// Bind binds parameter values to a prepared statement, producing a
// portal.
type Bind struct {
	Portal        string
	Statement     string
	ParamFormats  []int16
	ParamValues   [][]byte // nil element means SQL NULL
	ResultFormats []int16
}

// Describe asks for the parameter or row description of a statement
// ('S') or portal ('P').
type Describe struct {
	ObjectType byte
	Name       string
}

// Execute runs a bound portal, returning at most MaxRows rows (0 means
// unlimited).
type Execute struct {
	Portal  string
	MaxRows int32
}

// Sync ends an extended-query message group.
type Sync struct{}

// Flush asks the backend to deliver any pending output without ending
// the transaction.
type Flush struct{}

// Close closes a prepared statement ('S') or portal ('P').
type Close struct {
	ObjectType byte
	Name       string
}

// Terminate politely ends the connection.
type Terminate struct{}

// CopyData carries one chunk of COPY payload, in either direction.
type CopyData struct{ Data []byte }

// CopyDone signals the end of a successful COPY.
type CopyDone struct{}

// CopyFail aborts a COPY IN with an error message.
type CopyFail struct{ Message string }

// FunctionCall invokes a backend function directly (the legacy
// fastpath interface).
type FunctionCall struct {
	FunctionOID  int32
	ArgFormats   []int16
	ArgValues    [][]byte
	ResultFormat int16
}

// UnknownFrontend preserves an unrecognized frontend frame's tag and
// body rather than discarding it.
type UnknownFrontend struct {
	Tag  byte
	Body []byte
}

// DecodeFrontendMessage interprets one post-handshake frontend frame.
func DecodeFrontendMessage(tag byte, body []byte) (any, error) {
	switch tag {
	case tagPassword:
		s, _, err := readCString(append(body, 0))
		if err != nil {
			return nil, err
		}
		return PasswordMessage{Value: s}, nil
	case tagQuery:
		s, _, err := readCString(append(body, 0))
		if err != nil {
			return nil, err
		}
		return Query{SQL: s}, nil
	case tagParse:
		name, n, err := readCString(body)
		if err != nil {
			return nil, fmt.Errorf("wireproto: parse name: %w", err)
		}
		body = body[n:]
		query, n, err := readCString(body)
		if err != nil {
			return nil, fmt.Errorf("wireproto: parse query: %w", err)
		}
		body = body[n:]
		if len(body) < 2 {
			return nil, fmt.Errorf("wireproto: parse: truncated param count")
		}
		count := int(readInt16(body))
		body = body[2:]
		types := make([]int32, 0, count)
		for i := 0; i < count; i++ {
			if len(body) < 4 {
				return nil, fmt.Errorf("wireproto: parse: truncated param type")
			}
			types = append(types, readInt32(body))
			body = body[4:]
		}
		return Parse{Name: name, Query: query, ParamTypes: types}, nil
	case tagBind:
		portal, n, err := readCString(body)
		if err != nil {
			return nil, fmt.Errorf("wireproto: bind portal: %w", err)
		}
		body = body[n:]
		stmt, n, err := readCString(body)
		if err != nil {
			return nil, fmt.Errorf("wireproto: bind statement: %w", err)
		}
		body = body[n:]

		formats, body, err := readInt16Array(body)
		if err != nil {
			return nil, fmt.Errorf("wireproto: bind param formats: %w", err)
		}
		if len(body) < 2 {
			return nil, fmt.Errorf("wireproto: bind: truncated value count")
		}
		valueCount := int(readInt16(body))
		body = body[2:]
		values := make([][]byte, 0, valueCount)
		for i := 0; i < valueCount; i++ {
			if len(body) < 4 {
				return nil, fmt.Errorf("wireproto: bind: truncated value length")
			}
			n := readInt32(body)
			body = body[4:]
			if n < 0 {
				values = append(values, nil)
				continue
			}
			if int32(len(body)) < n {
				return nil, fmt.Errorf("wireproto: bind: truncated value")
			}
			values = append(values, body[:n])
			body = body[n:]
		}
		resultFormats, _, err := readInt16Array(body)
		if err != nil {
			return nil, fmt.Errorf("wireproto: bind result formats: %w", err)
		}
		return Bind{Portal: portal, Statement: stmt, ParamFormats: formats, ParamValues: values, ResultFormats: resultFormats}, nil
	case tagDescribe:
		if len(body) < 1 {
			return nil, fmt.Errorf("wireproto: describe: empty body")
		}
		name, _, err := readCString(body[1:])
		if err != nil {
			return nil, fmt.Errorf("wireproto: describe name: %w", err)
		}
		return Describe{ObjectType: body[0], Name: name}, nil
	case tagExecute:
		portal, n, err := readCString(body)
		if err != nil {
			return nil, fmt.Errorf("wireproto: execute portal: %w", err)
		}
		body = body[n:]
		if len(body) < 4 {
			return nil, fmt.Errorf("wireproto: execute: truncated max rows")
		}
		return Execute{Portal: portal, MaxRows: readInt32(body)}, nil
	case tagSync:
		return Sync{}, nil
	case tagFlush:
		return Flush{}, nil
	case tagClose:
		if len(body) < 1 {
			return nil, fmt.Errorf("wireproto: close: empty body")
		}
		name, _, err := readCString(body[1:])
		if err != nil {
			return nil, fmt.Errorf("wireproto: close name: %w", err)
		}
		return Close{ObjectType: body[0], Name: name}, nil
	case tagTerminate:
		return Terminate{}, nil
	case tagCopyData:
		return CopyData{Data: body}, nil
	case tagCopyDone:
		return CopyDone{}, nil
	case tagCopyFail:
		s, _, err := readCString(append(body, 0))
		if err != nil {
			return nil, err
		}
		return CopyFail{Message: s}, nil
	case tagFunctionCall:
		if len(body) < 4 {
			return nil, fmt.Errorf("wireproto: function call: truncated oid")
		}
		oid := readInt32(body)
		body = body[4:]
		argFormats, body, err := readInt16Array(body)
		if err != nil {
			return nil, fmt.Errorf("wireproto: function call arg formats: %w", err)
		}
		if len(body) < 2 {
			return nil, fmt.Errorf("wireproto: function call: truncated arg count")
		}
		argCount := int(readInt16(body))
		body = body[2:]
		args := make([][]byte, 0, argCount)
		for i := 0; i < argCount; i++ {
			if len(body) < 4 {
				return nil, fmt.Errorf("wireproto: function call: truncated arg length")
			}
			n := readInt32(body)
			body = body[4:]
			if n < 0 {
				args = append(args, nil)
				continue
			}
			args = append(args, body[:n])
			body = body[n:]
		}
		if len(body) < 2 {
			return nil, fmt.Errorf("wireproto: function call: truncated result format")
		}
		return FunctionCall{FunctionOID: oid, ArgFormats: argFormats, ArgValues: args, ResultFormat: readInt16(body)}, nil
	default:
		return UnknownFrontend{Tag: tag, Body: body}, nil
	}
}

func readInt16Array(body []byte) (vals []int16, rest []byte, err error) {
	if len(body) < 2 {
		return nil, nil, fmt.Errorf("truncated array count")
	}
	count := int(readInt16(body))
	body = body[2:]
	vals = make([]int16, 0, count)
	for i := 0; i < count; i++ {
		if len(body) < 2 {
			return nil, nil, fmt.Errorf("truncated array element")
		}
		vals = append(vals, readInt16(body))
		body = body[2:]
	}
	return vals, body, nil
}

// EncodeFrontendMessage renders msg as a tagged frame, for use by test
// harnesses that speak the frontend side of the protocol.
func EncodeFrontendMessage(msg any) (tag byte, body []byte, err error) {
	switch m := msg.(type) {
	case PasswordMessage:
		return tagPassword, appendCString(nil, m.Value), nil
	case Query:
		return tagQuery, appendCString(nil, m.SQL), nil
	case Sync:
		return tagSync, nil, nil
	case Flush:
		return tagFlush, nil, nil
	case Terminate:
		return tagTerminate, nil, nil
	case CopyData:
		return tagCopyData, m.Data, nil
	case CopyDone:
		return tagCopyDone, nil, nil
	case CopyFail:
		return tagCopyFail, appendCString(nil, m.Message), nil
	case Execute:
		body := appendCString(nil, m.Portal)
		body = appendInt32(body, m.MaxRows)
		return tagExecute, body, nil
	case Describe:
		body := append([]byte{m.ObjectType}, appendCString(nil, m.Name)...)
		return tagDescribe, body, nil
	case Close:
		body := append([]byte{m.ObjectType}, appendCString(nil, m.Name)...)
		return tagClose, body, nil
	case Parse:
		body := appendCString(nil, m.Name)
		body = append(body, appendCString(nil, m.Query)...)
		body = appendInt16(body, int16(len(m.ParamTypes)))
		for _, t := range m.ParamTypes {
			body = appendInt32(body, t)
		}
		return tagParse, body, nil
	case Bind:
		body := appendCString(nil, m.Portal)
		body = append(body, appendCString(nil, m.Statement)...)
		body = appendInt16(body, int16(len(m.ParamFormats)))
		for _, f := range m.ParamFormats {
			body = appendInt16(body, f)
		}
		body = appendInt16(body, int16(len(m.ParamValues)))
		for _, v := range m.ParamValues {
			if v == nil {
				body = appendInt32(body, -1)
				continue
			}
			body = appendInt32(body, int32(len(v)))
			body = append(body, v...)
		}
		body = appendInt16(body, int16(len(m.ResultFormats)))
		for _, f := range m.ResultFormats {
			body = appendInt16(body, f)
		}
		return tagBind, body, nil
	default:
		return 0, nil, fmt.Errorf("wireproto: unsupported frontend message %T", msg)
	}
}
