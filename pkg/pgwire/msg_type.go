package pgwire

// MsgType represents a PostgreSQL wire protocol message type byte.
type MsgType byte

// Message types the session state machine and framer branch on directly.
// The wire protocol defines many more (Bind, Parse, DataRow, ...); the
// proxy relays those as opaque typed frames without ever inspecting their
// type byte, so no constant exists for them here.
const (
	MsgClientQuery         MsgType = 'Q'
	MsgServerErrorResponse MsgType = 'E'
	MsgServerReadyForQuery MsgType = 'Z'
)
