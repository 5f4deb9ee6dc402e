// Package session implements the per-client state machine: read a
// client's startup packet, resolve it to a backend through pkg/router,
// acquire a backend connection through pkg/pool (reusing an idle one or
// dialing fresh), and then relay wire frames in both directions until the
// client disconnects, returning the backend to the pool at transaction or
// statement boundaries according to its configured pool mode.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/pgpooler/pgpooler/pkg/observability"
	"github.com/pgpooler/pgpooler/pkg/pgwire"
	"github.com/pgpooler/pgpooler/pkg/pool"
	"github.com/pgpooler/pgpooler/pkg/router"
)

var nextSessionID atomic.Int64

// Session drives one client connection from its first byte to disconnect.
type Session struct {
	id         int64
	clientConn net.Conn
	logger     *slog.Logger

	router   *router.Router
	capacity *pool.CapacityManager
	idle     *pool.IdleCache[*BackendConn]
	waitQ    *pool.WaitQueue
	metrics  *observability.Metrics
	tracer   *observability.TracerProvider

	resolved           router.ResolvedBackend
	key                pool.Key
	clientStartupCache []byte
	clientReader       *frameReader
	backend            *BackendConn
	txStatus           pgwire.TxStatus

	destroyOnce sync.Once
}

// New creates a session for a freshly accepted client connection. conn is
// owned by the Session from this point: Run's deferred cleanup closes it.
func New(conn net.Conn, r *router.Router, capacity *pool.CapacityManager, idle *pool.IdleCache[*BackendConn], waitQ *pool.WaitQueue, logger *slog.Logger) *Session {
	id := nextSessionID.Add(1)
	return &Session{
		id:         id,
		clientConn: conn,
		logger:     logger.With("session", id, "client", conn.RemoteAddr().String()),
		router:     r,
		capacity:   capacity,
		idle:       idle,
		waitQ:      waitQ,
	}
}

// WithMetrics attaches a Metrics recorder, returning s for chaining at
// construction time. A nil Session.metrics (the zero value, if WithMetrics
// is never called) makes every recording call a no-op.
func (s *Session) WithMetrics(m *observability.Metrics) *Session {
	s.metrics = m
	return s
}

// WithTracer attaches a TracerProvider, returning s for chaining at
// construction time. A nil Session.tracer (the zero value, if WithTracer is
// never called) falls back to the global no-op tracer via
// TracerProvider.Tracer's own nil-receiver handling.
func (s *Session) WithTracer(tp *observability.TracerProvider) *Session {
	s.tracer = tp
	return s
}

// Run drives the session to completion starting from a freshly accepted
// client connection that has not sent anything yet. It always returns
// (never panics on a well-formed client), logging the reason for exit at an
// appropriate level: Debug for a clean client disconnect, Warn for a
// protocol or backend failure.
func (s *Session) Run(ctx context.Context) {
	defer s.destroy()

	user, database, startupRaw, err := s.readFirstPacket()
	if err != nil {
		s.logClientClose(err)
		return
	}
	s.run(ctx, user, database, startupRaw)
}

// RunHandoff drives the session to completion for a client fd handed off by
// pkg/dispatcher: the StartupMessage has already been read and relayed past
// any SSLRequest/GSSENCRequest by the dispatcher, and arrives here as the raw
// wire frame bytes it captured (startupRaw, as produced by
// pgwire.TryExtractStartup on the dispatcher side).
func (s *Session) RunHandoff(ctx context.Context, startupRaw []byte) {
	defer s.destroy()

	frame, _, ok, err := pgwire.TryExtractStartup(startupRaw)
	if !ok || err != nil {
		s.logger.Warn("dispatcher handoff carried an incomplete or invalid startup frame", "error", err)
		return
	}
	user, _ := pgwire.ExtractStartupParameter(frame.Body, "user")
	database, _ := pgwire.ExtractStartupParameter(frame.Body, "database")
	if database == "" {
		database = user
	}
	s.run(ctx, user, database, startupRaw)
}

// run is the shared continuation after the client's StartupMessage has been
// obtained one way or another: resolve a backend, acquire one, then forward
// until the client disconnects.
func (s *Session) run(ctx context.Context, user, database string, startupRaw []byte) {
	s.clientStartupCache = startupRaw
	s.logger = s.logger.With("user", user, "database", database)

	start := time.Now()
	outcome := "error"
	defer func() {
		s.metrics.RecordSessionEnd(s.resolved.Name, outcome, time.Since(start).Seconds())
	}()

	resolved, ok := s.router.Resolve(user, database)
	if !ok {
		s.logger.Warn("no backend resolves for startup parameters")
		s.sendAndClose(pgwire.ErrUnknownDatabase(database))
		return
	}
	s.resolved = resolved
	s.key = pool.Key{Backend: resolved.Name, User: user, Database: database}
	s.logger = s.logger.With("backend", resolved.Name)
	s.metrics.RecordClientConnection(resolved.Name)

	ctx, span := s.tracer.Tracer("pgpooler/session").Start(ctx, "session",
		trace.WithAttributes(observability.SessionAttributes(user, database, resolved.Name)...))
	defer span.End()

	s.clientReader = newFrameReader(s.clientConn, true)
	s.clientReader.start()

	if err := s.acquireBackend(ctx); err != nil {
		span.RecordError(err)
		s.logger.Warn("failed to acquire backend", "error", err)
		return
	}
	s.logger.Debug("forwarding")

	for {
		trigger, err := s.pumpUntilReturn(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// A clean client disconnect surfaces as EOF from its reader.
				outcome = "clean"
			}
			span.RecordError(err)
			s.logSessionEnd(err)
			return
		}
		if trigger == nil {
			s.logger.Debug("client disconnected cleanly")
			outcome = "clean"
			return
		}
		if err := s.acquireBackend(ctx); err != nil {
			span.RecordError(err)
			s.logger.Warn("failed to re-acquire backend", "error", err)
			return
		}
		if _, err := s.backend.Conn.Write(trigger); err != nil {
			span.RecordError(err)
			s.releaseBackend()
			s.logger.Warn("write to backend failed", "error", err)
			return
		}
	}
}

// readFirstPacket reads from the client until it has a complete
// StartupMessage, replying 'N' to any SSLRequest/GSSENCRequest along the
// way and then continuing to read the real StartupMessage that must
// follow, per the proxy's policy of never terminating TLS itself.
func (s *Session) readFirstPacket() (user, database string, startupRaw []byte, err error) {
	var buf []byte
	tmp := make([]byte, 8192)
	for {
		frame, rest, ok, ferr := pgwire.TryExtractStartup(buf)
		if ferr != nil {
			return "", "", nil, ferr
		}
		if ok {
			raw := buf[:len(buf)-len(rest)]
			code := frame.StartupCode()
			if code == pgwire.SSLRequestCode || code == pgwire.GSSEncRequestCode {
				if _, werr := s.clientConn.Write([]byte{'N'}); werr != nil {
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
			return user, database, append([]byte(nil), raw...), nil
		}

		n, rerr := s.clientConn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			return "", "", nil, rerr
		}
	}
}

// sendAndClose writes a fatal ErrorResponse to the client. The caller is
// expected to return immediately afterward; destroy (deferred in Run)
// handles the actual socket teardown.
func (s *Session) sendAndClose(e *pgwire.Err) {
	if _, err := s.clientConn.Write(pgwire.BuildErrorResponse(e.Code, e.Message)); err != nil {
		s.logger.Debug("failed writing error response to client", "error", err)
	}
}

// releaseBackend closes and releases the current backend without
// returning it to the idle cache, then wakes one waiter on its key: the
// freed capacity slot is exactly what lets a parked waiter's next acquire
// attempt succeed, even though no connection is being handed to them
// directly.
func (s *Session) releaseBackend() {
	if s.backend == nil {
		return
	}
	s.backend.Conn.Close()
	s.capacity.Release(s.resolved.Name)
	s.waitQ.WakeOne(s.key)
	s.backend = nil
}

// destroy tears the session down exactly once, regardless of how many
// error paths converge on it.
func (s *Session) destroy() {
	s.destroyOnce.Do(func() {
		s.releaseBackend()
		s.clientConn.Close()
	})
}

func (s *Session) logClientClose(err error) {
	if errors.Is(err, net.ErrClosed) {
		s.logger.Debug("client connection closed before startup")
		return
	}
	s.logger.Debug("client disconnected before completing startup", "error", err)
}

func (s *Session) logSessionEnd(err error) {
	var pgErr *pgwire.Err
	if errors.As(err, &pgErr) {
		s.logger.Warn("session ended with protocol error", "error", err)
		return
	}
	s.logger.Debug("session ended", "error", err)
}

