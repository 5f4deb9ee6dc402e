package session

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/pgpooler/pgpooler/pkg/config"
	"github.com/pgpooler/pgpooler/pkg/pool"
	"github.com/pgpooler/pgpooler/pkg/router"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startupMessage(user, database string) []byte {
	body := []byte{0, 3, 0, 0} // protocol version 3.0
	body = append(body, "user"...)
	body = append(body, 0)
	body = append(body, user...)
	body = append(body, 0)
	body = append(body, "database"...)
	body = append(body, 0)
	body = append(body, database...)
	body = append(body, 0)
	body = append(body, 0) // terminating null

	msg := make([]byte, 4, 4+len(body))
	l := uint32(len(body) + 4)
	msg[0], msg[1], msg[2], msg[3] = byte(l>>24), byte(l>>16), byte(l>>8), byte(l)
	return append(msg, body...)
}

func authOkThroughReady(status byte) []byte {
	var out []byte
	out = append(out, encodeTyped('R', []byte{0, 0, 0, 0})...)           // AuthenticationOk
	out = append(out, encodeTyped('S', append([]byte("server_version"), 0, '1', '7', 0))...)
	out = append(out, encodeTyped('K', []byte{0, 0, 0, 42, 0, 0, 0, 7})...)
	out = append(out, encodeTyped('Z', []byte{status})...)
	return out
}

func encodeTyped(t byte, body []byte) []byte {
	out := make([]byte, 0, 5+len(body))
	out = append(out, t)
	l := uint32(len(body) + 4)
	out = append(out, byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
	return append(out, body...)
}

func queryMessage(sql string) []byte {
	body := append([]byte(sql), 0)
	return encodeTyped('Q', body)
}

// readExact reads from conn until it has collected exactly n bytes. Session
// forwarding writes each extracted frame to the client with its own Write
// call, and net.Pipe delivers each Write to exactly one matching Read, so a
// multi-frame response requires draining several Reads to reassemble.
func readExact(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	out := make([]byte, 0, n)
	buf := make([]byte, 4096)
	for len(out) < n {
		k, err := conn.Read(buf)
		require.NoError(t, err)
		out = append(out, buf[:k]...)
	}
	return out
}

// testRig wires a Session directly to in-memory pipes standing in for the
// client socket and a single fake backend, bypassing real TCP dialing so
// the whole acquire/forward/return path can be driven deterministically.
type testRig struct {
	clientConn net.Conn // the session's end
	clientSide net.Conn // the test's end, acting as the "client"

	r        *router.Router
	capacity *pool.CapacityManager
	idle     *pool.IdleCache[*BackendConn]
	waitQ    *pool.WaitQueue
}

func newTestRig(t *testing.T, backendHost string, backendPort uint16, poolMode config.PoolMode) *testRig {
	t.Helper()
	backends := config.BackendsConfig{Backends: []config.BackendEntry{{
		Name: "primary", Host: backendHost, Port: backendPort,
		PoolMode: poolMode, PoolSize: 2,
	}}}
	routing := config.RoutingConfig{Defaults: config.Defaults{PoolMode: poolMode}}
	r, err := router.New(backends, routing)
	require.NoError(t, err)

	clientSide, sessionSide := net.Pipe()
	capacity := pool.NewCapacityManager()
	capacity.SetMax("primary", 2)
	return &testRig{
		clientConn: sessionSide,
		clientSide: clientSide,
		r:          r,
		capacity:   capacity,
		idle:       pool.NewIdleCache[*BackendConn](),
		waitQ:      pool.NewWaitQueue(),
	}
}

// fakeBackendListener starts a listener that accepts exactly one connection
// and hands it to the supplied handler on its own goroutine, returning the
// host/port to dial.
func fakeBackendListener(t *testing.T, handler func(conn net.Conn)) (string, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handler(conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", uint16(addr.Port)
}

func TestSession_FreshConnectAndSessionModeForwarding(t *testing.T) {
	host, port := fakeBackendListener(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf) // StartupMessage
		_ = n
		conn.Write(authOkThroughReady('I'))

		n, _ = conn.Read(buf) // client's Query
		require.Equal(t, queryMessage("SELECT 1"), buf[:n])
		conn.Write(encodeTyped('C', append([]byte("SELECT 1"), 0)))
		conn.Write(encodeTyped('Z', []byte{'I'}))
	})

	rig := newTestRig(t, host, port, config.PoolModeSession)
	s := New(rig.clientConn, rig.r, rig.capacity, rig.idle, rig.waitQ, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	_, err := rig.clientSide.Write(startupMessage("alice", "app"))
	require.NoError(t, err)

	want := authOkThroughReady('I')
	require.Equal(t, want, readExact(t, rig.clientSide, len(want)))

	_, err = rig.clientSide.Write(queryMessage("SELECT 1"))
	require.NoError(t, err)

	want = append(encodeTyped('C', append([]byte("SELECT 1"), 0)), encodeTyped('Z', []byte{'I'})...)
	require.Equal(t, want, readExact(t, rig.clientSide, len(want)))

	require.Equal(t, pool.Stats{InUse: 1, Max: 2}, rig.capacity.Stats("primary"))

	rig.clientSide.Close()
	<-done
	require.Equal(t, pool.Stats{Max: 2}, rig.capacity.Stats("primary"))
}

func TestSession_TransactionModeReturnsToPoolBetweenQueries(t *testing.T) {
	backendDone := make(chan struct{})
	host, port := fakeBackendListener(t, func(conn net.Conn) {
		defer close(backendDone)
		buf := make([]byte, 4096)
		conn.Read(buf) // StartupMessage
		conn.Write(authOkThroughReady('I'))

		n, _ := conn.Read(buf) // Query
		require.Equal(t, queryMessage("SELECT 1"), buf[:n])
		conn.Write(encodeTyped('C', []byte{0}))
		conn.Write(encodeTyped('Z', []byte{'I'}))

		n, err := conn.Read(buf) // second query, after a pool round trip
		if err != nil {
			return
		}
		require.Equal(t, queryMessage("SELECT 2"), buf[:n])
		conn.Write(encodeTyped('C', []byte{0}))
		conn.Write(encodeTyped('Z', []byte{'I'}))
	})

	rig := newTestRig(t, host, port, config.PoolModeTransaction)
	s := New(rig.clientConn, rig.r, rig.capacity, rig.idle, rig.waitQ, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	rig.clientSide.Write(startupMessage("alice", "app"))
	readExact(t, rig.clientSide, len(authOkThroughReady('I'))) // auth..ready

	rig.clientSide.Write(queryMessage("SELECT 1"))
	firstReply := append(encodeTyped('C', []byte{0}), encodeTyped('Z', []byte{'I'})...)
	require.Equal(t, firstReply, readExact(t, rig.clientSide, len(firstReply)))

	// Give the session a moment to process the return-to-pool transition.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(rig.idle.Keys()) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	rig.clientSide.Write(queryMessage("SELECT 2"))
	secondReply := append(encodeTyped('C', []byte{0}), encodeTyped('Z', []byte{'I'})...)
	require.Equal(t, secondReply, readExact(t, rig.clientSide, len(secondReply)))

	rig.clientSide.Close()
	<-done
}

func TestSession_StatementModeDiscardsFailedTransactionInsteadOfReusing(t *testing.T) {
	firstDone := make(chan struct{})
	host, port := fakeBackendListener(t, func(conn net.Conn) {
		defer close(firstDone)
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf) // StartupMessage
		conn.Write(authOkThroughReady('I'))

		n, _ := conn.Read(buf) // bad query
		require.Equal(t, queryMessage("BOGUS"), buf[:n])
		conn.Write(encodeTyped('E', append([]byte("Ssyntax error"), 0, 0)))
		conn.Write(encodeTyped('Z', []byte{'E'}))
	})

	rig := newTestRig(t, host, port, config.PoolModeStatement)
	s := New(rig.clientConn, rig.r, rig.capacity, rig.idle, rig.waitQ, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	rig.clientSide.Write(startupMessage("alice", "app"))
	readExact(t, rig.clientSide, len(authOkThroughReady('I')))

	rig.clientSide.Write(queryMessage("BOGUS"))
	want := append(encodeTyped('E', append([]byte("Ssyntax error"), 0, 0)), encodeTyped('Z', []byte{'E'})...)
	require.Equal(t, want, readExact(t, rig.clientSide, len(want)))

	<-firstDone // the backend connection was closed, not cached

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rig.capacity.Stats("primary").InUse == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, pool.Stats{Max: 2}, rig.capacity.Stats("primary"))
	require.Empty(t, rig.idle.Keys())

	rig.clientSide.Close()
	<-done
}

func TestSession_UnknownDatabaseSendsErrorResponse(t *testing.T) {
	backends := config.BackendsConfig{Backends: []config.BackendEntry{
		{Name: "a", Host: "127.0.0.1", Port: 1},
		{Name: "b", Host: "127.0.0.1", Port: 2},
	}}
	routing := config.RoutingConfig{
		Defaults: config.Defaults{PoolMode: config.PoolModeSession},
		Rules: []config.RoutingRule{
			{Database: &config.FieldMatcher{Type: config.MatchExact, Value: "known"}, BackendName: "a"},
		},
	}
	r, err := router.New(backends, routing)
	require.NoError(t, err)

	clientSide, sessionSide := net.Pipe()
	s := New(sessionSide, r, pool.NewCapacityManager(), pool.NewIdleCache[*BackendConn](), pool.NewWaitQueue(), discardLogger())

	done := make(chan struct{})
	go func() { s.Run(context.Background()); close(done) }()

	clientSide.Write(startupMessage("alice", "unknown-db"))
	buf := make([]byte, 4096)
	n, err := clientSide.Read(buf)
	require.NoError(t, err)
	require.Equal(t, byte('E'), buf[0])
	require.Contains(t, string(buf[:n]), "unknown-db")

	clientSide.Close()
	<-done
}
