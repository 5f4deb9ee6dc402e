package pgwire

import (
	"fmt"
	"runtime"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Err wraps a PostgreSQL ErrorResponse so it can travel as a Go error while
// still carrying everything needed to reproduce the wire frame.
type Err struct {
	pgproto3.ErrorResponse
	C error
}

var _ error = (*Err)(nil)

func (e *Err) Error() string {
	if e.C != nil {
		return fmt.Sprintf("%s %s: %s: %s", e.Severity, e.Code, e.Message, e.C)
	}
	return fmt.Sprintf("%s %s: %s", e.Severity, e.Code, e.Message)
}

func (e *Err) Unwrap() error {
	return e.C
}

func newErr(code, message string, cause error) *Err {
	_, file, line, _ := runtime.Caller(2)
	return &Err{
		ErrorResponse: pgproto3.ErrorResponse{
			Severity: string(ErrorFatal),
			Code:     code,
			Message:  message,
			File:     file,
			Line:     int32(line),
		},
		C: cause,
	}
}

// ErrBackendConnectFailed is sent when a fresh Acquire succeeds but dialing
// the backend fails. SQLSTATE 08006 per spec.
func ErrBackendConnectFailed(cause error) *Err {
	return newErr(pgerrcode.ConnectionFailure, "could not connect to backend", cause)
}

// ErrTooManyClients is sent when a session's wait-queue timer fires before a
// backend slot becomes available. SQLSTATE 53300 per spec.
func ErrTooManyClients() *Err {
	return newErr(pgerrcode.TooManyConnections, "sorry, too many clients already", nil)
}

// ErrUnknownDatabase is sent when a client's (user, database) startup
// parameters don't resolve to any configured backend. SQLSTATE 3D000,
// matching the message PostgreSQL itself uses for an unknown database.
func ErrUnknownDatabase(database string) *Err {
	return newErr(pgerrcode.InvalidCatalogName, fmt.Sprintf("database %q does not exist", database), nil)
}

// BuildErrorResponse encodes an ErrorResponse frame: 'E', a 4-byte big-endian
// length covering the body, then <tag><C-string> fields S/C/M terminated by
// a zero tag. This is the only message the proxy itself originates toward a
// client (the other proxy-originated frame, pkg/session's DISCARD ALL query,
// goes to a backend), so it is hand-encoded instead of routed through a live
// session's pgproto3 backend.
func BuildErrorResponse(sqlstate, message string) []byte {
	var body []byte
	body = appendField(body, 'S', string(ErrorFatal))
	body = appendField(body, 'C', sqlstate)
	body = appendField(body, 'M', message)
	body = append(body, 0)

	out := make([]byte, 0, 5+len(body))
	out = append(out, 'E')
	out = appendUint32(out, uint32(len(body)+4))
	out = append(out, body...)
	return out
}

func appendField(out []byte, tag byte, value string) []byte {
	out = append(out, tag)
	out = append(out, value...)
	return append(out, 0)
}

func appendUint32(out []byte, v uint32) []byte {
	return append(out, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
