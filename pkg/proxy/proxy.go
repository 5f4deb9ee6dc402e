// Package proxy implements the direct single-process accept path: one
// net.Listener, one goroutine per accepted client running a *session.Session
// against shared pool/router state. Used whenever no worker plan is
// configured; pkg/dispatcher's Dispatcher and Worker implement the
// alternative fd-handoff architecture for a multi-worker deployment.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pgpooler/pgpooler/pkg/observability"
	"github.com/pgpooler/pgpooler/pkg/pool"
	"github.com/pgpooler/pgpooler/pkg/router"
	"github.com/pgpooler/pgpooler/pkg/session"
)

// Listener accepts client connections on a single address and runs a
// Session for each one against the given router and pool state.
type Listener struct {
	addr     string
	router   *router.Router
	capacity *pool.CapacityManager
	idle     *pool.IdleCache[*session.BackendConn]
	waitQ    *pool.WaitQueue
	reaper   *session.Reaper
	metrics  *observability.Metrics
	tracer   *observability.TracerProvider
	logger   *slog.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New creates a Listener. Call Serve to start accepting. reaper may be nil,
// disabling idle-connection sweeping (not recommended outside tests).
// metrics and tracer may also be nil, disabling Prometheus recording and
// OTel span emission respectively.
func New(addr string, r *router.Router, capacity *pool.CapacityManager, idle *pool.IdleCache[*session.BackendConn], waitQ *pool.WaitQueue, reaper *session.Reaper, metrics *observability.Metrics, tracer *observability.TracerProvider, logger *slog.Logger) *Listener {
	return &Listener{
		addr:     addr,
		router:   r,
		capacity: capacity,
		idle:     idle,
		waitQ:    waitQ,
		reaper:   reaper,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger,
	}
}

// Serve binds addr and accepts connections until ctx is canceled or Close is
// called, spawning one goroutine per client. It blocks until every spawned
// session goroutine has returned.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", l.addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	l.logger.Info("listening", "addr", ln.Addr().String())

	if l.reaper != nil {
		go l.reaper.Run(ctx)
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("proxy: accept: %w", err)
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			s := session.New(conn, l.router, l.capacity, l.idle, l.waitQ, l.logger).WithMetrics(l.metrics).WithTracer(l.tracer)
			s.Run(ctx)
		}()
	}
}

// Close stops accepting new connections. In-flight sessions are left to
// finish on their own; Serve's return from Accept's error is what unblocks
// the wg.Wait() that waits for them.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
