package dispatcher

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// NewSocketpair creates a connected pair of Unix stream sockets for
// dispatcher<->worker fd handoff: one end stays with the Dispatcher, the
// other is given to the corresponding Worker. Using a real socketpair (not
// net.Pipe) is required here, not a style choice: SCM_RIGHTS ancillary data
// only has meaning over an actual AF_UNIX socket.
func NewSocketpair() (a, b *net.UnixConn, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatcher: socketpair: %w", err)
	}

	aConn, err := fdToUnixConn(fds[0])
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	bConn, err := fdToUnixConn(fds[1])
	if err != nil {
		aConn.Close()
		return nil, nil, err
	}
	return aConn, bConn, nil
}

func fdToUnixConn(fd int) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), "dispatcher-worker-socketpair")
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: wrapping socketpair fd: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("dispatcher: socketpair fd did not wrap to *net.UnixConn")
	}
	return uc, nil
}
