package dispatcher

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// maxPayload bounds a single fd-handoff payload (the client's StartupMessage
// bytes), matching the cap on the dispatcher/worker wire format.
const maxPayload = 1 << 20

// sendFDAndPayload hands client's underlying file descriptor, plus payload,
// to whatever is reading workerConn, as a single sendmsg carrying a 4-byte
// big-endian length prefix immediately followed by payload, with SCM_RIGHTS
// ancillary data naming client's fd. Duplicating the fd via client.File()
// means the dispatcher's own close of client afterward does not affect the
// copy the worker received.
func sendFDAndPayload(workerConn *net.UnixConn, client *net.TCPConn, payload []byte) error {
	if len(payload) > maxPayload {
		return fmt.Errorf("dispatcher: payload %d bytes exceeds %d byte cap", len(payload), maxPayload)
	}
	f, err := client.File()
	if err != nil {
		return fmt.Errorf("dispatcher: dup client fd: %w", err)
	}
	defer f.Close()

	msg := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(msg, uint32(len(payload)))
	msg = append(msg, payload...)
	rights := unix.UnixRights(int(f.Fd()))

	n, oobn, err := workerConn.WriteMsgUnix(msg, rights, nil)
	if err != nil {
		return fmt.Errorf("dispatcher: sendmsg: %w", err)
	}
	if n != len(msg) || oobn != len(rights) {
		return fmt.Errorf("dispatcher: short sendmsg: wrote %d/%d bytes, %d/%d oob bytes", n, len(msg), oobn, len(rights))
	}
	return nil
}

// fdRecvState accumulates a partially received (fd, payload) handoff across
// however many ReadMsgUnix calls it takes: the length prefix and SCM_RIGHTS
// ancillary data arrive together on the first read, but payload bytes beyond
// that may stream in on subsequent reads.
type fdRecvState struct {
	pendingFD  int
	payloadLen uint32
	payload    []byte
}

func newFDRecvState() *fdRecvState {
	return &fdRecvState{pendingFD: -1}
}

// recvFDAndPayload performs one blocking ReadMsgUnix on conn and feeds it
// into state, returning a complete (fd, payload) pair once state has
// accumulated a full message. ok is false if this read only produced a
// partial message; the caller should call again.
func recvFDAndPayload(conn *net.UnixConn, state *fdRecvState) (fd int, payload []byte, ok bool, err error) {
	buf := make([]byte, 32*1024)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, rerr := conn.ReadMsgUnix(buf, oob)
	if rerr != nil {
		return 0, nil, false, rerr
	}
	if n == 0 && oobn == 0 {
		return 0, nil, false, fmt.Errorf("dispatcher: worker socket closed")
	}
	data := buf[:n]

	if state.pendingFD < 0 {
		if oobn == 0 {
			return 0, nil, false, fmt.Errorf("dispatcher: expected SCM_RIGHTS ancillary data, got none")
		}
		scms, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr != nil || len(scms) == 0 {
			return 0, nil, false, fmt.Errorf("dispatcher: parsing control message: %w", perr)
		}
		fds, perr := unix.ParseUnixRights(&scms[0])
		if perr != nil || len(fds) == 0 {
			return 0, nil, false, fmt.Errorf("dispatcher: parsing SCM_RIGHTS: %w", perr)
		}
		if len(data) < 4 {
			unix.Close(fds[0])
			return 0, nil, false, fmt.Errorf("dispatcher: handoff message missing length prefix")
		}
		payloadLen := binary.BigEndian.Uint32(data[:4])
		if payloadLen > maxPayload {
			unix.Close(fds[0])
			return 0, nil, false, fmt.Errorf("dispatcher: handoff payload %d bytes exceeds cap", payloadLen)
		}
		state.pendingFD = fds[0]
		state.payloadLen = payloadLen
		state.payload = append([]byte(nil), data[4:]...)
	} else {
		state.payload = append(state.payload, data...)
	}

	if uint32(len(state.payload)) < state.payloadLen {
		return 0, nil, false, nil
	}

	fd = state.pendingFD
	payload = state.payload[:state.payloadLen]
	state.pendingFD = -1
	state.payloadLen = 0
	state.payload = nil
	return fd, payload, true, nil
}

// fdToConn wraps a received file descriptor as a net.Conn. The returned
// os.File is closed immediately after: net.FileConn dup's it internally, so
// the original descriptor would otherwise leak.
func fdToConn(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "handoff-client")
	defer f.Close()
	return net.FileConn(f)
}
