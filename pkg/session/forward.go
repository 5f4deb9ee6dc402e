package session

import (
	"context"

	"github.com/pgpooler/pgpooler/pkg/config"
	"github.com/pgpooler/pgpooler/pkg/pgwire"
)

// pumpUntilReturn relays frames in both directions while s.backend is
// attached, selecting over the client's and the current backend's
// persistent frame readers. It returns when:
//   - the pool mode calls for returning the backend after a ReadyForQuery:
//     the backend is put back in the idle cache and the function blocks
//     for the client's next frame, returning its raw bytes as trigger so
//     the caller can re-acquire a backend and forward it;
//   - the client disconnects cleanly: (nil, nil) is never produced here
//     (a clean disconnect surfaces as a read error, same as any other);
//   - anything fails: (nil, err).
func (s *Session) pumpUntilReturn(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case e := <-s.clientReader.events:
			if e.err != nil {
				return nil, e.err
			}
			if _, err := s.backend.Conn.Write(e.raw); err != nil {
				s.releaseBackend()
				return nil, err
			}

		case e := <-s.backend.reader.events:
			if e.err != nil {
				s.releaseBackend()
				return nil, e.err
			}
			if _, err := s.clientConn.Write(e.raw); err != nil {
				return nil, err
			}
			status, isRFQ := pgwire.ReadyForQueryStatus(e.frame)
			if !isRFQ {
				continue
			}
			s.txStatus = status
			switch s.returnPointAction(status) {
			case actionReturnToPool:
				s.returnToPool()
				return s.awaitNextClientMessage(ctx)
			case actionDiscard:
				s.releaseBackend()
				return s.awaitNextClientMessage(ctx)
			}
		}
	}
}

// returnPointAction is the outcome of evaluating a ReadyForQuery frame
// against the resolved backend's pool mode: whether the backend stays
// attached to this session, goes back into the idle cache for reuse, or is
// discarded outright (closed, capacity released, no reuse).
type returnPointAction int

const (
	actionStayAttached returnPointAction = iota
	actionReturnToPool
	actionDiscard
)

// returnPointAction decides, from the pool mode and the transaction status
// just observed on a ReadyForQuery frame, what happens to the backend.
// Statement mode returns on every ReadyForQuery except one that lands in a
// failed transaction: a backend left mid-aborted-transaction is discarded
// rather than handed to the next client, since only a full session-mode
// client would ever send the ROLLBACK needed to clear it.
func (s *Session) returnPointAction(status pgwire.TxStatus) returnPointAction {
	switch s.resolved.PoolMode {
	case config.PoolModeStatement:
		if status == pgwire.TxFailed {
			return actionDiscard
		}
		return actionReturnToPool
	case config.PoolModeTransaction:
		if status == pgwire.TxIdle {
			return actionReturnToPool
		}
		return actionStayAttached
	default: // config.PoolModeSession
		return actionStayAttached
	}
}

// returnToPool puts the current backend into the idle cache, moves its
// capacity slot from in_use to in_pool, and wakes one waiter on its key,
// then detaches it from
// the session (WaitingForBackend: client still connected, no backend
// attached).
func (s *Session) returnToPool() {
	s.idle.Put(s.key, s.backend, s.backend.CreatedAt)
	s.capacity.PutIntoPool(s.resolved.Name)
	s.waitQ.WakeOne(s.key)
	s.backend = nil
}

// awaitNextClientMessage blocks, with no backend attached, for the next
// complete frame from the client (WaitingForBackend). Its raw bytes are
// returned as the trigger for the caller's next acquireBackend call.
func (s *Session) awaitNextClientMessage(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case e := <-s.clientReader.events:
		if e.err != nil {
			return nil, e.err
		}
		return e.raw, nil
	}
}
