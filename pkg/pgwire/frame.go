package pgwire

import (
	"encoding/binary"
	"fmt"
)

// Frame is one extracted PostgreSQL wire frame. For startup-phase frames
// (StartupMessage, SSLRequest, GSSENCRequest) Type is zero and Body is
// everything after the 4-byte length, i.e. it still includes the 4-byte
// version/request code. For message-phase frames, Type is the wire type
// byte and Body is everything after type+length.
type Frame struct {
	Type MsgType
	Body []byte
}

// IsStartupPhase reports whether this frame came from TryExtractStartup.
func (f Frame) IsStartupPhase() bool {
	return f.Type == 0
}

// StartupCode returns the 4-byte code at the front of a startup-phase
// frame's body: the protocol version for a real StartupMessage, or the
// SSLRequest/GSSENCRequest sentinel codes.
func (f Frame) StartupCode() StartupCode {
	if len(f.Body) < 4 {
		return 0
	}
	return StartupCode(binary.BigEndian.Uint32(f.Body[:4]))
}

// ReadyForQueryStatus returns the transaction status carried by a
// ReadyForQuery ('Z') frame, or false if this isn't one.
func ReadyForQueryStatus(f Frame) (TxStatus, bool) {
	if f.Type != MsgServerReadyForQuery || len(f.Body) != 1 {
		return 0, false
	}
	switch status := TxStatus(f.Body[0]); status {
	case TxIdle, TxInTransaction, TxFailed:
		return status, true
	default:
		return 0, false
	}
}

// peekStartupLength reads the 4-byte length prefix of a startup-phase frame
// without consuming anything. ok is false if buf doesn't yet hold 4 bytes.
func peekStartupLength(buf []byte) (length uint32, ok bool, err error) {
	if len(buf) < 4 {
		return 0, false, nil
	}
	length = binary.BigEndian.Uint32(buf[:4])
	if length < MinFrameLength || length > MaxFrameLength {
		return 0, false, fmt.Errorf("pgwire: startup frame length %d out of range [%d, %d]", length, MinFrameLength, MaxFrameLength)
	}
	return length, true, nil
}

// peekTypedHeader reads the 1-byte type + 4-byte length of a message-phase
// frame without consuming anything. total is the full wire size (1+length).
func peekTypedHeader(buf []byte) (msgType MsgType, total int, ok bool, err error) {
	if len(buf) < 5 {
		return 0, 0, false, nil
	}
	length := binary.BigEndian.Uint32(buf[1:5])
	if length < MinFrameLength || length > MaxFrameLength {
		return 0, 0, false, fmt.Errorf("pgwire: message frame length %d out of range [%d, %d]", length, MinFrameLength, MaxFrameLength)
	}
	return MsgType(buf[0]), 1 + int(length), true, nil
}

// TryExtractStartup drains and returns one startup-phase frame from buf if
// a complete one is present; otherwise it returns ok=false and leaves buf
// untouched (rest == buf). err is non-nil only for a declared length outside
// [MinFrameLength, MaxFrameLength], which is a fatal framing violation.
func TryExtractStartup(buf []byte) (frame Frame, rest []byte, ok bool, err error) {
	length, ok, err := peekStartupLength(buf)
	if err != nil || !ok {
		return Frame{}, buf, false, err
	}
	if uint32(len(buf)) < length {
		return Frame{}, buf, false, nil
	}
	body := append([]byte(nil), buf[4:length]...)
	return Frame{Body: body}, buf[length:], true, nil
}

// TryExtractMessage drains and returns one message-phase frame from buf if a
// complete one is present; otherwise it returns ok=false and leaves buf
// untouched.
func TryExtractMessage(buf []byte) (frame Frame, rest []byte, ok bool, err error) {
	msgType, total, ok, err := peekTypedHeader(buf)
	if err != nil || !ok {
		return Frame{}, buf, false, err
	}
	if len(buf) < total {
		return Frame{}, buf, false, nil
	}
	body := append([]byte(nil), buf[5:total]...)
	return Frame{Type: msgType, Body: body}, buf[total:], true, nil
}

// FirstClientPacketLength returns the number of bytes, starting at buf[0],
// that together form the first client packet as far as routing is
// concerned: a bare StartupMessage, or an SSLRequest/GSSENCRequest (8 bytes)
// concatenated with the StartupMessage that must follow it. Returns 0 if
// incomplete.
func FirstClientPacketLength(buf []byte) (int, error) {
	length, ok, err := peekStartupLength(buf)
	if err != nil {
		return 0, err
	}
	if !ok || uint32(len(buf)) < length {
		return 0, nil
	}

	if length == 8 {
		code := StartupCode(binary.BigEndian.Uint32(buf[4:8]))
		if code == SSLRequestCode || code == GSSEncRequestCode {
			next := buf[length:]
			nextLength, ok, err := peekStartupLength(next)
			if err != nil {
				return 0, err
			}
			if !ok || uint32(len(next)) < nextLength {
				return 0, nil
			}
			return int(length) + int(nextLength), nil
		}
	}

	return int(length), nil
}
