// Package wireproto implements the PostgreSQL frontend/backend wire
// protocol: frame decoding and encoding for both the startup/SSL/cancel
// handshake and the steady-state simple and extended query
// sub-protocols. It has no corpus library to build on (none of the
// example repos ship a server-side Postgres wire codec), so it is
// written directly against encoding/binary and net, grounded on the
// message catalogue of original_source/proxy/src/protocol/message.rs.
package wireproto

// TransactionStatus is the single body byte of a ReadyForQuery message,
// telling the client whether a transaction block is open.
type TransactionStatus byte

const (
	TxStatusIdle   TransactionStatus = 'I'
	TxStatusInTx   TransactionStatus = 'T'
	TxStatusFailed TransactionStatus = 'E'
)

// Valid reports whether b is one of the three defined status bytes.
func (s TransactionStatus) Valid() bool {
	switch s {
	case TxStatusIdle, TxStatusInTx, TxStatusFailed:
		return true
	default:
		return false
	}
}
