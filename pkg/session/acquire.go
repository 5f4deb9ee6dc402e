package session

import (
	"context"
	"fmt"
	"time"

	"github.com/pgpooler/pgpooler/pkg/pgwire"
)

// acquireBackend gets s.backend into a forwarding-ready state: either by
// taking an idle connection for s.key and splicing its cached startup
// response to the client (CheckReusedBackend), or by dialing a fresh
// backend, forwarding the client's cached StartupMessage, and relaying its
// real startup response to the client until ReadyForQuery
// (ConnectingToBackend / CollectingStartupResponse). The startup response
// reaches the client only on its first acquire; a re-acquire after a
// return to the pool sends nothing to the client. On an idle miss, one
// expired entry for s.key (if any) is closed and its pooled slot released
// before capacity is tried. If neither an idle connection nor capacity is
// available it parks on the wait queue and retries once woken.
func (s *Session) acquireBackend(ctx context.Context) error {
	ctx, span := s.tracer.Tracer("pgpooler/session").Start(ctx, "acquireBackend")
	defer span.End()

	for {
		if bc, ok := s.idle.Take(s.key, time.Now(), s.resolved.ServerIdleTimeout, s.resolved.ServerLifetime); ok {
			s.capacity.TakeFromPool(s.resolved.Name)
			if err := s.checkReusedBackend(bc); err != nil {
				s.capacity.Release(s.resolved.Name)
				s.waitQ.WakeOne(s.key)
				bc.Conn.Close()
				return err
			}
			s.backend = bc
			return nil
		}

		// Every remaining entry for this key may be expired: drain one so its
		// in_pool slot is freed before trying for a fresh one.
		if expired, ok := s.idle.TakeOneExpired(s.key, time.Now(), s.resolved.ServerIdleTimeout, s.resolved.ServerLifetime); ok {
			expired.Conn.Close()
			s.capacity.ReleasePooled(s.resolved.Name)
		}

		if s.capacity.Acquire(s.resolved.Name) {
			bc, err := dialBackend(ctx, s.resolved.Host, s.resolved.Port)
			if err != nil {
				s.capacity.Release(s.resolved.Name)
				s.waitQ.WakeOne(s.key)
				pgErr := pgwire.ErrBackendConnectFailed(err)
				s.sendAndClose(pgErr)
				return pgErr
			}
			if err := s.collectStartupResponse(bc); err != nil {
				s.capacity.Release(s.resolved.Name)
				s.waitQ.WakeOne(s.key)
				bc.Conn.Close()
				return err
			}
			s.backend = bc
			return nil
		}

		ticket := s.waitQ.Enqueue(s.key, s.resolved.QueryWaitTimeout)
		select {
		case <-ticket.Woken():
			if ticket.TimedOut() {
				pgErr := pgwire.ErrTooManyClients()
				s.sendAndClose(pgErr)
				return pgErr
			}
			// granted: loop around, idle.Take or capacity.Acquire should
			// now succeed.
		case <-ctx.Done():
			ticket.Cancel()
			return ctx.Err()
		}
	}
}

// checkReusedBackend takes over an idle connection taken from the pool: if
// the backend's entry is configured for reuse hygiene, a silent
// "DISCARD ALL" is run against it first, invisible to the client; then, if
// this client has not completed its startup exchange yet (no ReadyForQuery
// seen, txStatus still zero), the connection's cached startup response
// (captured the first time it ever went through collectStartupResponse) is
// replayed to the client verbatim. A client that is already past startup
// and is only re-acquiring after a return to the pool gets nothing replayed.
func (s *Session) checkReusedBackend(bc *BackendConn) error {
	if s.resolved.DiscardAllOnReuse {
		if err := discardAllOnReuse(bc); err != nil {
			return fmt.Errorf("session: discard all on reused backend: %w", err)
		}
	}
	if s.txStatus == 0 {
		if _, err := s.clientConn.Write(bc.StartupResponse); err != nil {
			return err
		}
		s.txStatus = pgwire.TxIdle
	}
	return nil
}

// collectStartupResponse forwards the client's cached StartupMessage to a
// freshly dialed backend and reads its response up to the first
// ReadyForQuery, caching the bytes on bc.StartupResponse for a future reuse
// to splice against. The frames are relayed to the client byte for byte
// only if this client has not completed its startup exchange yet; a client
// re-acquiring after a return to the pool has already seen one.
func (s *Session) collectStartupResponse(bc *BackendConn) error {
	if _, err := bc.Conn.Write(s.clientStartupCache); err != nil {
		return err
	}

	relay := s.txStatus == 0
	var cached []byte
	for e := range bc.reader.events {
		if e.err != nil {
			return fmt.Errorf("session: backend closed during startup response: %w", e.err)
		}
		cached = append(cached, e.raw...)
		if relay {
			if _, err := s.clientConn.Write(e.raw); err != nil {
				return err
			}
		}
		if status, isRFQ := pgwire.ReadyForQueryStatus(e.frame); isRFQ {
			s.txStatus = status
			bc.StartupResponse = cached
			return nil
		}
	}
	return fmt.Errorf("session: backend reader closed unexpectedly during startup response")
}

// discardAllOnReuse sends a simple Query("DISCARD ALL") to bc and reads,
// discarding, responses until ReadyForQuery. Nothing here is forwarded to
// the client: the reused backend is being reset before it is handed back
// out, not while serving a live query.
func discardAllOnReuse(bc *BackendConn) error {
	const query = "DISCARD ALL"
	body := make([]byte, 0, len(query)+1)
	body = append(body, query...)
	body = append(body, 0)
	msg := make([]byte, 0, 5+len(body))
	msg = append(msg, 'Q')
	l := uint32(len(body) + 4)
	msg = append(msg, byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
	msg = append(msg, body...)

	if _, err := bc.Conn.Write(msg); err != nil {
		return err
	}

	for e := range bc.reader.events {
		if e.err != nil {
			return e.err
		}
		if _, isRFQ := pgwire.ReadyForQueryStatus(e.frame); isRFQ {
			return nil
		}
	}
	return fmt.Errorf("session: backend reader closed unexpectedly during discard all")
}
