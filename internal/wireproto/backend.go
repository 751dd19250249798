package wireproto

import "fmt"

// Backend message tags.
const (
	tagAuthentication byte = 'R'
	tagBackendKeyData byte = 'K'
	tagParameterStatus byte = 'S'
	tagReadyForQuery   byte = 'Z'
	tagCommandComplete byte = 'C'
	tagRowDescription  byte = 'T'
	tagDataRow         byte = 'D'
	tagEmptyQuery      byte = 'I'
	tagErrorResponse   byte = 'E'
	tagNoticeResponse  byte = 'N'
	tagParseComplete   byte = '1'
	tagBindComplete    byte = '2'
	tagPortalSuspended byte = 's'
	tagNoData          byte = 'n'
	tagParamDesc       byte = 't'
	tagCloseComplete   byte = '3'
	tagFunctionCallResp byte = 'V'
	tagNegotiateVersion byte = 'v'
	tagCopyInResponse  byte = 'G'
	tagCopyOutResponse byte = 'H'
	tagCopyBothResponse byte = 'W'
)

// Authentication request sub-kinds, carried in the first int32 of an
// Authentication message.
const (
	authOK                = 0
	authKerberosV5        = 2
	authCleartextPassword = 3
	authMD5Password       = 5
	authSCMCredential     = 6
	authGSS               = 7
	authSSPI              = 9
	authGSSContinue       = 8
	authSASL              = 10
	authSASLContinue      = 11
	authSASLFinal         = 12
)

// AuthenticationOk reports successful authentication.
type AuthenticationOk struct{}

// AuthenticationCleartextPassword requests a plaintext password.
type AuthenticationCleartextPassword struct{}

// AuthenticationMD5Password requests an MD5-hashed password, salted
// with Salt.
type AuthenticationMD5Password struct{ Salt [4]byte }

// AuthenticationSASL lists the SASL mechanisms the server supports.
type AuthenticationSASL struct{ Mechanisms []string }

// AuthenticationSASLContinue carries one round of SASL challenge data.
type AuthenticationSASLContinue struct{ Data []byte }

// AuthenticationSASLFinal carries the final SASL outcome data.
type AuthenticationSASLFinal struct{ Data []byte }

// BackendKeyData gives the client the process ID and secret key needed
// to issue a CancelRequest later.
type BackendKeyData struct {
	ProcessID int32
	SecretKey int32
}

// ParameterStatus reports a run-time parameter's current value.
type ParameterStatus struct {
	Name  string
	Value string
}

// ReadyForQuery signals the backend is idle and ready for the next
// query, reporting the current transaction status.
type ReadyForQuery struct{ Status TransactionStatus }

// CommandComplete reports a completed command's tag (e.g. "INSERT 0 1").
type CommandComplete struct{ Tag string }

// FieldDescription describes one column of a RowDescription.
type FieldDescription struct {
	Name         string
	TableOID     int32
	ColumnID     int16
	DataTypeOID  int32
	DataTypeSize int16
	TypeModifier int32
	FormatCode   int16
}

// RowDescription describes the columns of the rows that follow.
type RowDescription struct{ Fields []FieldDescription }

// DataRow carries one row of query results; a nil element means SQL
// NULL.
type DataRow struct{ Values [][]byte }

// EmptyQueryResponse is sent in place of CommandComplete for an empty
// query string.
type EmptyQueryResponse struct{}

// ErrorField is one field of an ErrorResponse or NoticeResponse,
// keyed by its single-byte field-type code.
type ErrorField struct {
	Code  byte
	Value string
}

// ErrorResponse reports a query or protocol error.
type ErrorResponse struct{ Fields []ErrorField }

// NoticeResponse reports a non-fatal notice.
type NoticeResponse struct{ Fields []ErrorField }

// ParseComplete acknowledges a Parse message.
type ParseComplete struct{}

// BindComplete acknowledges a Bind message.
type BindComplete struct{}

// PortalSuspended reports that Execute's MaxRows limit was hit before
// the portal was exhausted.
type PortalSuspended struct{}

// NoData reports that a Describe'd statement or portal returns no
// rows.
type NoData struct{}

// ParameterDescription lists the inferred parameter type OIDs for a
// Describe'd statement.
type ParameterDescription struct{ ParamTypes []int32 }

// CloseComplete acknowledges a Close message.
type CloseComplete struct{}

// NegotiateProtocolVersion tells the client the highest minor protocol
// version the server supports, and any startup options it didn't
// recognize.
type NegotiateProtocolVersion struct {
	MinorVersion int32
	Options      []string
}

// CopyInResponse begins a COPY FROM STDIN.
type CopyInResponse struct {
	Format        int8
	ColumnFormats []int16
}

// CopyOutResponse begins a COPY TO STDOUT.
type CopyOutResponse struct {
	Format        int8
	ColumnFormats []int16
}

// CopyBothResponse begins a bidirectional COPY (used by logical
// replication).
type CopyBothResponse struct {
	Format        int8
	ColumnFormats []int16
}

// UnknownBackend preserves an unrecognized backend frame.
type UnknownBackend struct {
	Tag  byte
	Body []byte
}

// DecodeBackendMessage interprets one backend frame. Conn's handshake
// relay and backend loop use it to observe the real backend's own
// replies while proxying.
func DecodeBackendMessage(tag byte, body []byte) (any, error) {
	switch tag {
	case tagAuthentication:
		if len(body) < 4 {
			return nil, fmt.Errorf("wireproto: authentication: truncated kind")
		}
		kind := readInt32(body)
		rest := body[4:]
		switch kind {
		case authOK:
			return AuthenticationOk{}, nil
		case authCleartextPassword:
			return AuthenticationCleartextPassword{}, nil
		case authMD5Password:
			if len(rest) < 4 {
				return nil, fmt.Errorf("wireproto: authentication md5: truncated salt")
			}
			var salt [4]byte
			copy(salt[:], rest[:4])
			return AuthenticationMD5Password{Salt: salt}, nil
		case authSASL:
			mechs, err := readCStringList(rest)
			if err != nil {
				return nil, err
			}
			return AuthenticationSASL{Mechanisms: mechs}, nil
		case authSASLContinue:
			return AuthenticationSASLContinue{Data: rest}, nil
		case authSASLFinal:
			return AuthenticationSASLFinal{Data: rest}, nil
		default:
			return UnknownBackend{Tag: tag, Body: body}, nil
		}
	case tagBackendKeyData:
		if len(body) < 8 {
			return nil, fmt.Errorf("wireproto: backend key data: truncated")
		}
		return BackendKeyData{ProcessID: readInt32(body), SecretKey: readInt32(body[4:])}, nil
	case tagParameterStatus:
		name, n, err := readCString(body)
		if err != nil {
			return nil, err
		}
		value, _, err := readCString(body[n:])
		if err != nil {
			return nil, err
		}
		return ParameterStatus{Name: name, Value: value}, nil
	case tagReadyForQuery:
		if len(body) < 1 {
			return nil, fmt.Errorf("wireproto: ready for query: empty body")
		}
		return ReadyForQuery{Status: TransactionStatus(body[0])}, nil
	case tagCommandComplete:
		s, _, err := readCString(append(body, 0))
		if err != nil {
			return nil, err
		}
		return CommandComplete{Tag: s}, nil
	case tagRowDescription:
		if len(body) < 2 {
			return nil, fmt.Errorf("wireproto: row description: truncated count")
		}
		count := int(readInt16(body))
		body = body[2:]
		fields := make([]FieldDescription, 0, count)
		for i := 0; i < count; i++ {
			name, n, err := readCString(body)
			if err != nil {
				return nil, err
			}
			body = body[n:]
			if len(body) < 18 {
				return nil, fmt.Errorf("wireproto: row description: truncated field")
			}
			fields = append(fields, FieldDescription{
				Name:         name,
				TableOID:     readInt32(body),
				ColumnID:     readInt16(body[4:]),
				DataTypeOID:  readInt32(body[6:]),
				DataTypeSize: readInt16(body[10:]),
				TypeModifier: readInt32(body[12:]),
				FormatCode:   readInt16(body[16:]),
			})
			body = body[18:]
		}
		return RowDescription{Fields: fields}, nil
	case tagDataRow:
		if len(body) < 2 {
			return nil, fmt.Errorf("wireproto: data row: truncated count")
		}
		count := int(readInt16(body))
		body = body[2:]
		values := make([][]byte, 0, count)
		for i := 0; i < count; i++ {
			if len(body) < 4 {
				return nil, fmt.Errorf("wireproto: data row: truncated value length")
			}
			n := readInt32(body)
			body = body[4:]
			if n < 0 {
				values = append(values, nil)
				continue
			}
			values = append(values, body[:n])
			body = body[n:]
		}
		return DataRow{Values: values}, nil
	case tagEmptyQuery:
		return EmptyQueryResponse{}, nil
	case tagErrorResponse:
		fields, err := readErrorFields(body)
		if err != nil {
			return nil, err
		}
		return ErrorResponse{Fields: fields}, nil
	case tagNoticeResponse:
		fields, err := readErrorFields(body)
		if err != nil {
			return nil, err
		}
		return NoticeResponse{Fields: fields}, nil
	case tagParseComplete:
		return ParseComplete{}, nil
	case tagBindComplete:
		return BindComplete{}, nil
	case tagPortalSuspended:
		return PortalSuspended{}, nil
	case tagNoData:
		return NoData{}, nil
	case tagParamDesc:
		if len(body) < 2 {
			return nil, fmt.Errorf("wireproto: parameter description: truncated count")
		}
		count := int(readInt16(body))
		body = body[2:]
		types := make([]int32, 0, count)
		for i := 0; i < count; i++ {
			if len(body) < 4 {
				return nil, fmt.Errorf("wireproto: parameter description: truncated type")
			}
			types = append(types, readInt32(body))
			body = body[4:]
		}
		return ParameterDescription{ParamTypes: types}, nil
	case tagCloseComplete:
		return CloseComplete{}, nil
	case tagNegotiateVersion:
		if len(body) < 8 {
			return nil, fmt.Errorf("wireproto: negotiate protocol version: truncated")
		}
		minor := readInt32(body)
		optCount := int(readInt32(body[4:]))
		rest := body[8:]
		opts := make([]string, 0, optCount)
		for i := 0; i < optCount; i++ {
			s, n, err := readCString(rest)
			if err != nil {
				return nil, err
			}
			opts = append(opts, s)
			rest = rest[n:]
		}
		return NegotiateProtocolVersion{MinorVersion: minor, Options: opts}, nil
	case tagCopyInResponse, tagCopyOutResponse, tagCopyBothResponse:
		if len(body) < 3 {
			return nil, fmt.Errorf("wireproto: copy response: truncated")
		}
		format := int8(body[0])
		colCount := int(readInt16(body[1:]))
		rest := body[3:]
		formats := make([]int16, 0, colCount)
		for i := 0; i < colCount; i++ {
			if len(rest) < 2 {
				return nil, fmt.Errorf("wireproto: copy response: truncated column format")
			}
			formats = append(formats, readInt16(rest))
			rest = rest[2:]
		}
		switch tag {
		case tagCopyInResponse:
			return CopyInResponse{Format: format, ColumnFormats: formats}, nil
		case tagCopyOutResponse:
			return CopyOutResponse{Format: format, ColumnFormats: formats}, nil
		default:
			return CopyBothResponse{Format: format, ColumnFormats: formats}, nil
		}
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
	default:
		return UnknownBackend{Tag: tag, Body: body}, nil
	}
}

func readCStringList(b []byte) ([]string, error) {
	var out []string
	for len(b) > 1 {
		s, n, err := readCString(b)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		b = b[n:]
	}
	return out, nil
}

func readErrorFields(b []byte) ([]ErrorField, error) {
	var fields []ErrorField
	for len(b) > 0 && b[0] != 0 {
		code := b[0]
		s, n, err := readCString(b[1:])
		if err != nil {
			return nil, fmt.Errorf("wireproto: error field: %w", err)
		}
		fields = append(fields, ErrorField{Code: code, Value: s})
		b = b[1+n:]
	}
	return fields, nil
}

// EncodeBackendMessage renders msg as a tagged frame.
func EncodeBackendMessage(msg any) (tag byte, body []byte, err error) {
	switch m := msg.(type) {
	case AuthenticationOk:
		return tagAuthentication, appendInt32(nil, authOK), nil
	case AuthenticationCleartextPassword:
		return tagAuthentication, appendInt32(nil, authCleartextPassword), nil
	case AuthenticationMD5Password:
		body := appendInt32(nil, authMD5Password)
		return tagAuthentication, append(body, m.Salt[:]...), nil
	case AuthenticationSASL:
		body := appendInt32(nil, authSASL)
		for _, mech := range m.Mechanisms {
			body = appendCString(body, mech)
		}
		body = append(body, 0)
		return tagAuthentication, body, nil
	case AuthenticationSASLContinue:
		body := appendInt32(nil, authSASLContinue)
		return tagAuthentication, append(body, m.Data...), nil
	case AuthenticationSASLFinal:
		body := appendInt32(nil, authSASLFinal)
		return tagAuthentication, append(body, m.Data...), nil
	case BackendKeyData:
		body := appendInt32(nil, m.ProcessID)
		return tagBackendKeyData, appendInt32(body, m.SecretKey), nil
	case ParameterStatus:
		body := appendCString(nil, m.Name)
		return tagParameterStatus, append(body, appendCString(nil, m.Value)...), nil
	case ReadyForQuery:
		return tagReadyForQuery, []byte{byte(m.Status)}, nil
	case CommandComplete:
		return tagCommandComplete, appendCString(nil, m.Tag), nil
	case RowDescription:
		body := appendInt16(nil, int16(len(m.Fields)))
		for _, f := range m.Fields {
			body = appendCString(body, f.Name)
			body = appendInt32(body, f.TableOID)
			body = appendInt16(body, f.ColumnID)
			body = appendInt32(body, f.DataTypeOID)
			body = appendInt16(body, f.DataTypeSize)
			body = appendInt32(body, f.TypeModifier)
			body = appendInt16(body, f.FormatCode)
		}
		return tagRowDescription, body, nil
	case DataRow:
		body := appendInt16(nil, int16(len(m.Values)))
		for _, v := range m.Values {
			if v == nil {
				body = appendInt32(body, -1)
				continue
			}
			body = appendInt32(body, int32(len(v)))
			body = append(body, v...)
		}
		return tagDataRow, body, nil
	case EmptyQueryResponse:
		return tagEmptyQuery, nil, nil
	case ErrorResponse:
		return tagErrorResponse, encodeErrorFields(m.Fields), nil
	case NoticeResponse:
		return tagNoticeResponse, encodeErrorFields(m.Fields), nil
	case ParseComplete:
		return tagParseComplete, nil, nil
	case BindComplete:
		return tagBindComplete, nil, nil
	case PortalSuspended:
		return tagPortalSuspended, nil, nil
	case NoData:
		return tagNoData, nil, nil
	case ParameterDescription:
		body := appendInt16(nil, int16(len(m.ParamTypes)))
		for _, t := range m.ParamTypes {
			body = appendInt32(body, t)
		}
		return tagParamDesc, body, nil
	case CloseComplete:
		return tagCloseComplete, nil, nil
	case NegotiateProtocolVersion:
		body := appendInt32(nil, m.MinorVersion)
		body = appendInt32(body, int32(len(m.Options)))
		for _, o := range m.Options {
			body = appendCString(body, o)
		}
		return tagNegotiateVersion, body, nil
	case CopyInResponse:
		return tagCopyInResponse, encodeCopyFormats(m.Format, m.ColumnFormats), nil
	case CopyOutResponse:
		return tagCopyOutResponse, encodeCopyFormats(m.Format, m.ColumnFormats), nil
	case CopyBothResponse:
		return tagCopyBothResponse, encodeCopyFormats(m.Format, m.ColumnFormats), nil
	case CopyData:
		return tagCopyData, m.Data, nil
	case CopyDone:
		return tagCopyDone, nil, nil
	case CopyFail:
		return tagCopyFail, appendCString(nil, m.Message), nil
	default:
		return 0, nil, fmt.Errorf("wireproto: unsupported backend message %T", msg)
	}
}

func encodeErrorFields(fields []ErrorField) []byte {
	var body []byte
	for _, f := range fields {
		body = append(body, f.Code)
		body = appendCString(body, f.Value)
	}
	return append(body, 0)
}

func encodeCopyFormats(format int8, columnFormats []int16) []byte {
	body := []byte{byte(format)}
	body = appendInt16(body, int16(len(columnFormats)))
	for _, f := range columnFormats {
		body = appendInt16(body, f)
	}
	return body
}
