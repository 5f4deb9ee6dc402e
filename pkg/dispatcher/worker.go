package dispatcher

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/pgpooler/pgpooler/pkg/config"
	"github.com/pgpooler/pgpooler/pkg/observability"
	"github.com/pgpooler/pgpooler/pkg/pool"
	"github.com/pgpooler/pgpooler/pkg/router"
	"github.com/pgpooler/pgpooler/pkg/session"
)

// Worker owns pool state for one partition of the configured backends:
// its own capacity manager, idle cache, wait queue, and a router built
// from only the backends it owns. A backend name is owned by exactly one
// Worker, so these structures are never reached from another worker's
// goroutines, matching the single-threaded-per-worker partitioning that
// makes their internal locking uncontended in the common case.
type Worker struct {
	id     int
	conn   *net.UnixConn
	router *router.Router

	capacity *pool.CapacityManager
	idle     *pool.IdleCache[*session.BackendConn]
	waitQ    *pool.WaitQueue
	reaper   *session.Reaper
	metrics  *observability.Metrics
	tracer   *observability.TracerProvider

	logger *slog.Logger
}

// NewWorker builds a Worker owning ownedBackends out of the full backend and
// routing config: its router only ever resolves to the backends it was
// given (rules naming other workers' backends are dropped, keeping the rest
// in order), and its capacity manager is pre-seeded with each one's
// configured pool_size.
func NewWorker(id int, conn *net.UnixConn, backends config.BackendsConfig, routing config.RoutingConfig, ownedBackends []string, metrics *observability.Metrics, tracer *observability.TracerProvider, logger *slog.Logger) (*Worker, error) {
	owned := make(map[string]bool, len(ownedBackends))
	for _, name := range ownedBackends {
		owned[name] = true
	}

	var filtered config.BackendsConfig
	for _, b := range backends.Backends {
		if owned[b.Name] {
			filtered.Backends = append(filtered.Backends, b)
		}
	}

	filteredRouting := config.RoutingConfig{Defaults: routing.Defaults}
	for _, rule := range routing.Rules {
		if owned[rule.BackendName] {
			filteredRouting.Rules = append(filteredRouting.Rules, rule)
		}
	}

	r, err := router.New(filtered, filteredRouting)
	if err != nil {
		return nil, err
	}

	capacity := pool.NewCapacityManager()
	resolved := make([]router.ResolvedBackend, 0, len(filtered.Backends))
	for _, b := range filtered.Backends {
		capacity.SetMax(b.Name, b.PoolSize)
		resolved = append(resolved, router.ResolvedBackend{
			Name:              b.Name,
			Host:              b.Host,
			Port:              b.Port,
			PoolSize:          b.PoolSize,
			PoolMode:          b.PoolMode,
			ServerIdleTimeout: b.ServerIdleTimeout,
			ServerLifetime:    b.ServerLifetime,
			QueryWaitTimeout:  b.QueryWaitTimeout,
			DiscardAllOnReuse: b.DiscardAllOnRenew,
		})
	}

	idle := pool.NewIdleCache[*session.BackendConn]()
	workerLogger := logger.With("worker", id)

	return &Worker{
		id:       id,
		conn:     conn,
		router:   r,
		capacity: capacity,
		idle:     idle,
		waitQ:    pool.NewWaitQueue(),
		reaper:   session.NewReaper(idle, capacity, resolved, 10*time.Second, workerLogger),
		metrics:  metrics,
		tracer:   tracer,
		logger:   workerLogger,
	}, nil
}

// Capacity returns the Worker's own CapacityManager, for callers (admin
// topology rendering) that need read access to pool occupancy without
// reaching into session handling.
func (w *Worker) Capacity() *pool.CapacityManager {
	return w.capacity
}

// Serve receives (fd, payload) handoffs from the dispatcher forever, running
// each accepted client as a Session on its own goroutine until ctx is
// canceled or the dispatcher's end of the socket closes.
func (w *Worker) Serve(ctx context.Context) error {
	w.logger.Info("worker listening for handoffs")
	state := newFDRecvState()

	go w.reaper.Run(ctx)

	go func() {
		<-ctx.Done()
		w.conn.Close()
	}()

	for {
		fd, payload, ok, err := recvFDAndPayload(w.conn, state)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			continue
		}

		conn, err := fdToConn(fd)
		if err != nil {
			w.logger.Error("worker: wrapping handed-off fd failed", "error", err)
			continue
		}

		go func(conn net.Conn, payload []byte) {
			s := session.New(conn, w.router, w.capacity, w.idle, w.waitQ, w.logger).WithMetrics(w.metrics).WithTracer(w.tracer)
			s.RunHandoff(ctx, payload)
		}(conn, payload)
	}
}
