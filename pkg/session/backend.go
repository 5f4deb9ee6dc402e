package session

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pgpooler/pgpooler/pkg/pgwire"
)

// frameEvent is one complete wire frame read off a connection, or a
// terminal error. fromClient distinguishes the two readers a session
// multiplexes over in pumpUntilReturn.
type frameEvent struct {
	fromClient bool
	raw        []byte
	frame      pgwire.Frame
	err        error
}

// frameReader owns the single goroutine allowed to call Read on a given
// net.Conn, extracting complete message-phase frames and publishing them
// on events. Exactly one frameReader exists per connection for its entire
// lifetime: for a BackendConn that means from the moment it is dialed
// until it is closed, surviving any number of idle-cache round trips, so
// there is never a point where two goroutines race to read the same
// socket.
type frameReader struct {
	conn       net.Conn
	fromClient bool
	events     chan frameEvent
	startOnce  sync.Once
}

func newFrameReader(conn net.Conn, fromClient bool) *frameReader {
	return &frameReader{conn: conn, fromClient: fromClient, events: make(chan frameEvent, 8)}
}

// start launches the reader goroutine. Calling it more than once is a
// no-op: a frameReader is meant to be started exactly once, at connection
// creation time.
func (r *frameReader) start() {
	r.startOnce.Do(func() {
		go r.run()
	})
}

func (r *frameReader) run() {
	var buf []byte
	tmp := make([]byte, 32*1024)
	for {
		n, err := r.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				frame, rest, ok, ferr := pgwire.TryExtractMessage(buf)
				if ferr != nil {
					r.events <- frameEvent{fromClient: r.fromClient, err: ferr}
					return
				}
				if !ok {
					break
				}
				raw := append([]byte(nil), buf[:len(buf)-len(rest)]...)
				r.events <- frameEvent{fromClient: r.fromClient, raw: raw, frame: frame}
				buf = rest
			}
		}
		if err != nil {
			r.events <- frameEvent{fromClient: r.fromClient, err: err}
			return
		}
	}
}

// BackendConn is one live connection to a backend PostgreSQL server,
// together with the bits the pool needs to decide whether it can still be
// reused: when it was dialed, its persistent frame reader, and (once it
// has been through collectStartupResponse at least once) the bytes of its
// original startup exchange, replayed verbatim to whichever client takes
// it from the idle cache next.
type BackendConn struct {
	Conn            net.Conn
	CreatedAt       time.Time
	StartupResponse []byte

	reader *frameReader
}

// dialBackend connects to host:port and starts its persistent frame
// reader immediately: the reader's goroutine lives exactly as long as the
// connection, whether that connection is currently in active use, sitting
// in the idle cache, or being handed to a brand new session.
func dialBackend(ctx context.Context, host string, port uint16) (*BackendConn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	bc := &BackendConn{Conn: conn, CreatedAt: time.Now(), reader: newFrameReader(conn, false)}
	bc.reader.start()
	return bc, nil
}
