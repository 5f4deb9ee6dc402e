package pgwire

// Frame size bounds enforced by TryExtractStartup/TryExtractMessage. A
// declared length outside this range is a framing violation, not a short
// read: the connection is closed rather than waiting for more bytes.
const (
	MinFrameLength = 4
	MaxFrameLength = 1 << 20 // 1 MiB
)

// StartupCode is the 4-byte code at the front of a startup-phase frame: a
// real protocol version for StartupMessage, or one of the two request
// sentinels below.
type StartupCode uint32

const (
	ProtocolVersion3  StartupCode = 196608    // 3.0, high 16 bits = 3, low 16 bits = 0
	SSLRequestCode    StartupCode = 80877103
	GSSEncRequestCode StartupCode = 80877104
)
