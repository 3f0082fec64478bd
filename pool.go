package ftpfs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// errPoolClosed is returned by get after Close.
var errPoolClosed = errors.New("ftpfs: connection pool closed")

// pool hands out Sessions, at most size of them at a time. Idle sessions are
// reused most recently used first; sessions whose connection failed are
// closed instead of being reused.
type pool struct {
	dial    Dialer
	sem     *semaphore.Weighted
	logger  *zap.Logger
	metrics MetricsCollector

	// idleTimeout is how long a session may sit idle before it is checked
	// with NOOP on reuse
	idleTimeout time.Duration

	mu     sync.Mutex
	idle   []*Session
	closed bool

	nextID atomic.Int64
}

func newPool(dial Dialer, size int, idleTimeout time.Duration, logger *zap.Logger, metrics MetricsCollector) *pool {
	return &pool{
		dial:        dial,
		sem:         semaphore.NewWeighted(int64(size)),
		logger:      logger,
		metrics:     metrics,
		idleTimeout: idleTimeout,
	}
}

// get returns an exclusive Session, dialing when no idle one is available.
// It waits for a free slot as long as ctx allows.
func (p *pool) get(ctx context.Context) (*Session, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "ftpfs: waiting for a connection")
	}
	s, err := p.take(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return s, nil
}

// getPair returns two Sessions. Both slots are reserved together so that
// concurrent copies cannot each hold one slot while waiting for another.
func (p *pool) getPair(ctx context.Context) (*Session, *Session, error) {
	if err := p.sem.Acquire(ctx, 2); err != nil {
		return nil, nil, errors.Wrap(err, "ftpfs: waiting for two connections")
	}
	first, err := p.take(ctx)
	if err != nil {
		p.sem.Release(2)
		return nil, nil, err
	}
	second, err := p.take(ctx)
	if err != nil {
		p.put(first)
		p.sem.Release(1)
		return nil, nil, err
	}
	return first, second, nil
}

// take fills a reserved slot with an idle or new Session. Sessions idle
// for idleTimeout or longer must answer NOOP to be reused; the server may
// have dropped them.
func (p *pool) take(ctx context.Context) (*Session, error) {
	for {
		s, err := p.popIdle()
		if err != nil {
			return nil, err
		}
		if s == nil {
			break
		}
		if time.Since(s.idleSince) < p.idleTimeout {
			p.record("reused")
			return s, nil
		}
		if err := s.conn.Noop(); err != nil {
			p.logger.Debug("idle connection is gone, discarding",
				zap.Int64("session", s.id), zap.Duration("idle", time.Since(s.idleSince)), zap.Error(err))
			p.record("expired")
			_ = s.conn.Quit()
			continue
		}
		p.record("reused")
		return s, nil
	}

	conn, err := p.dial(ctx)
	if err != nil {
		p.record("dial_failed")
		return nil, &Error{Kind: ConnectionFailure, Op: "connect", Err: err}
	}

	id := p.nextID.Add(1)
	p.logger.Debug("opened connection", zap.Int64("session", id))
	p.record("dialed")
	return newSession(id, conn, p.logger, p.metrics), nil
}

// put gives s back. It must be called exactly once per get.
func (p *pool) put(s *Session) {
	defer p.sem.Release(1)

	p.mu.Lock()
	if !s.broken && !p.closed {
		s.idleSince = time.Now()
		p.idle = append(p.idle, s)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if s.broken {
		p.logger.Debug("discarding broken connection", zap.Int64("session", s.id))
		p.record("discarded")
	} else {
		p.record("closed")
	}
	_ = s.conn.Quit()
}

// close quits every idle connection. Sessions in use are closed when they
// are returned.
func (p *pool) close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var err error
	for _, s := range idle {
		err = multierr.Append(err, s.conn.Quit())
		p.record("closed")
	}
	return err
}

// popIdle removes the most recently used idle session, or returns nil.
func (p *pool) popIdle() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errPoolClosed
	}
	n := len(p.idle)
	if n == 0 {
		return nil, nil
	}
	s := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return s, nil
}

func (p *pool) record(event string) {
	if p.metrics != nil {
		p.metrics.RecordConnection(event)
	}
}
