package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/pgpooler/pgpooler/pkg/pool"
	"github.com/pgpooler/pgpooler/pkg/router"
)

// Reaper periodically sweeps an IdleCache for connections that have
// exceeded their backend's configured idle timeout or lifetime, closing
// them and releasing their CapacityManager slot. One Reaper exists per
// accept path (pkg/proxy.Listener or pkg/dispatcher.Worker), matching that
// path's own IdleCache/CapacityManager pair.
type Reaper struct {
	idle     *pool.IdleCache[*BackendConn]
	capacity *pool.CapacityManager
	backends map[string]router.ResolvedBackend
	logger   *slog.Logger
	interval time.Duration
}

// NewReaper builds a Reaper. backends supplies each backend's
// ServerIdleTimeout/ServerLifetime by name; interval defaults to 10s if
// zero.
func NewReaper(idle *pool.IdleCache[*BackendConn], capacity *pool.CapacityManager, backends []router.ResolvedBackend, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	byName := make(map[string]router.ResolvedBackend, len(backends))
	for _, b := range backends {
		byName[b.Name] = b
	}
	return &Reaper{idle: idle, capacity: capacity, backends: byName, logger: logger, interval: interval}
}

// Run sweeps on a ticker until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

// sweepOnce walks every key currently holding idle entries and evicts
// whatever has expired under that backend's configured timeouts. A key can
// hold more than one expired entry, so each key is drained until
// TakeOneExpired reports none left.
func (r *Reaper) sweepOnce() {
	now := time.Now()
	for _, key := range r.idle.Keys() {
		b, ok := r.backends[key.Backend]
		if !ok {
			continue
		}
		for {
			conn, ok := r.idle.TakeOneExpired(key, now, b.ServerIdleTimeout, b.ServerLifetime)
			if !ok {
				break
			}
			conn.Conn.Close()
			r.capacity.ReleasePooled(key.Backend)
			r.logger.Debug("reaped idle backend connection", "backend", key.Backend, "user", key.User, "database", key.Database)
		}
	}
}
