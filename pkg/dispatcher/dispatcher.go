// Package dispatcher implements the fd-handoff accept path: a single
// acceptor reads each client's first packet, resolves the target backend
// through pkg/router, and hands the raw client socket plus the
// already-captured StartupMessage bytes to whichever Worker owns that
// backend, over a local Unix stream socket using SCM_RIGHTS ancillary data.
// Workers own the pool state (capacity, idle cache, wait queue) for their
// assigned backends exclusively, so no pool mutex is ever contended across
// worker boundaries.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/pgpooler/pgpooler/pkg/pgwire"
	"github.com/pgpooler/pgpooler/pkg/router"
)

// Dispatcher accepts client connections and routes each to the worker that
// owns its resolved backend.
type Dispatcher struct {
	addr            string
	router          *router.Router
	backendToWorker map[string]int
	workerConns     []*net.UnixConn
	logger          *slog.Logger

	ln net.Listener
}

// New creates a Dispatcher. backendToWorker maps a backend name (as known to
// router) to an index into workerConns; a backend with no entry falls back
// to worker 0, matching the original implementation's behavior for
// unassigned backends.
func New(addr string, r *router.Router, backendToWorker map[string]int, workerConns []*net.UnixConn, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		addr:            addr,
		router:          r,
		backendToWorker: backendToWorker,
		workerConns:     workerConns,
		logger:          logger,
	}
}

// Serve binds addr and accepts connections until ctx is canceled, handing
// each off to its resolved worker. It never returns a nil error except on
// clean shutdown via ctx.
func (d *Dispatcher) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		return fmt.Errorf("dispatcher: listen %s: %w", d.addr, err)
	}
	d.ln = ln
	d.logger.Info("dispatcher listening", "addr", ln.Addr().String(), "workers", len(d.workerConns))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dispatcher: accept: %w", err)
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		_ = tcpConn.SetNoDelay(true)
		go d.handle(tcpConn)
	}
}

// handle reads one client's first packet, resolves its backend, and hands
// the connection off to the owning worker. The dispatcher's own fd is always
// closed before returning: either the worker now holds a duplicate, or the
// client is being rejected.
func (d *Dispatcher) handle(conn *net.TCPConn) {
	defer conn.Close()

	user, database, raw, err := readFirstPacket(conn)
	if err != nil {
		d.logger.Debug("dispatcher: client disconnected before completing startup", "error", err)
		return
	}

	resolved, ok := d.router.Resolve(user, database)
	if !ok {
		d.logger.Warn("dispatcher: no backend resolves for startup parameters", "user", user, "database", database)
		notFound := pgwire.ErrUnknownDatabase(database)
		conn.Write(pgwire.BuildErrorResponse(notFound.Code, notFound.Message))
		return
	}

	idx := d.backendToWorker[resolved.Name]
	if idx >= len(d.workerConns) {
		idx = 0
	}
	d.logger.Info("dispatcher: routing", "user", user, "database", database, "backend", resolved.Name, "worker", idx)

	if err := sendFDAndPayload(d.workerConns[idx], conn, raw); err != nil {
		d.logger.Error("dispatcher: handoff failed", "worker", idx, "error", err)
	}
}

// readFirstPacket mirrors pkg/session's client-startup read loop: reply 'N'
// to any SSLRequest/GSSENCRequest, then accumulate the real StartupMessage
// and extract user/database from it. The dispatcher owns this step itself
// (rather than forwarding raw bytes blind) because it needs the parsed
// fields to resolve a backend and pick a worker before any handoff happens.
func readFirstPacket(conn net.Conn) (user, database string, startupRaw []byte, err error) {
	var buf []byte
	tmp := make([]byte, 8192)
	for {
		frame, rest, ok, ferr := pgwire.TryExtractStartup(buf)
		if ferr != nil {
			return "", "", nil, ferr
		}
		if ok {
			rawFrame := buf[:len(buf)-len(rest)]
			code := frame.StartupCode()
			if code == pgwire.SSLRequestCode || code == pgwire.GSSEncRequestCode {
				if _, werr := conn.Write([]byte{'N'}); werr != nil {
					return "", "", nil, werr
				}
				buf = rest
				continue
			}
			user, _ = pgwire.ExtractStartupParameter(frame.Body, "user")
			database, _ = pgwire.ExtractStartupParameter(frame.Body, "database")
			if database == "" {
				database = user
			}
			return user, database, append([]byte(nil), rawFrame...), nil
		}

		n, rerr := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			return "", "", nil, rerr
		}
	}
}
