package pgpool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pgtools/pgpool/driver"
)

// Pool is a bounded, lazily-filled pool of server connections.
//
// The idle queue doubles as the wait primitive: a Get against an exhausted
// pool parks until a Put hands it a connection, and waiters are served in
// FIFO arrival order so no task is starved as long as connections are
// eventually released. Exhaustion is backpressure, not an error.
type Pool struct {
	config  Config
	adapter *Adapter

	mu      sync.Mutex // guards idle, waiters, created
	idle    []*poolConn
	waiters []chan *poolConn
	created int
}

// poolConn tags a driver connection with an identity for log attributes.
type poolConn struct {
	driver.Conn
	id uuid.UUID
}

// Stat is a point-in-time snapshot of pool counters.
type Stat struct {
	// Created is the number of connections currently accounted against the
	// ceiling (idle + checked out).
	Created int
	// Idle is the number of connections sitting in the idle queue.
	Idle int
	// Waiting is the number of Get callers parked on an exhausted pool.
	Waiting int
}

// New creates a new connection pool. No connection is opened until first
// demand.
func New(config *Config) (*Pool, error) {
	if config == nil {
		return nil, &ConfigError{Reason: "config is required"}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()
	return &Pool{
		config:  cfg,
		adapter: NewAdapter(cfg.Waiter, cfg.PollTimeout),
	}, nil
}

// MaxSize returns the pool's connection ceiling.
func (p *Pool) MaxSize() int { return p.config.MaxSize }

// Adapter returns the suspension adapter the pool drives connections with.
func (p *Pool) Adapter() *Adapter { return p.adapter }

// Stat returns current pool counters.
func (p *Pool) Stat() Stat {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stat{Created: p.created, Idle: len(p.idle), Waiting: len(p.waiters)}
}

// Get checks a connection out of the pool. It returns an idle connection if
// one exists (FIFO), creates one if the ceiling allows, and otherwise parks
// until another task releases a connection. If creating fails, the reserved
// ceiling slot is released and the error surfaces as *ConnectError.
//
// Parking is bounded by ctx and by Config.AcquireTimeout when set.
func (p *Pool) Get(ctx context.Context) (driver.Conn, error) {
	conn, err := p.get(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *Pool) get(ctx context.Context) (*poolConn, error) {
	p.mu.Lock()
	if len(p.idle) > 0 {
		conn := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
		return conn, nil
	}

	if p.created < p.config.MaxSize {
		p.created++
		p.mu.Unlock()
		conn, err := p.connect(ctx)
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, &ConnectError{Err: err}
		}
		return conn, nil
	}

	// Ceiling reached: park until a Put hands us a connection.
	ready := make(chan *poolConn, 1)
	p.waiters = append(p.waiters, ready)
	p.mu.Unlock()

	if p.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.AcquireTimeout)
		defer cancel()
	}

	select {
	case conn := <-ready:
		return conn, nil
	case <-ctx.Done():
		p.abandonWait(ready)
		return nil, ctx.Err()
	}
}

// abandonWait removes a parked waiter. If a connection was handed over
// concurrently with cancellation it goes back to the pool rather than leak.
func (p *Pool) abandonWait(ready chan *poolConn) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ready {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Not in the queue anymore: a Put already picked us.
	if conn := <-ready; conn != nil {
		p.put(conn)
	}
}

func (p *Pool) connect(ctx context.Context) (*poolConn, error) {
	raw, err := p.config.Connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	// Finish the handshake, yielding on every read/write wait.
	if err := p.adapter.Drive(ctx, raw); err != nil {
		_ = raw.Close(ctx)
		return nil, err
	}
	conn := &poolConn{Conn: raw, id: uuid.New()}
	p.config.Logger.Debug("pgpool: connection created", slog.String("conn_id", conn.id.String()))
	return conn, nil
}

// Put checks a connection back in, waking the longest-waiting parked Get if
// any. A closed connection is never enqueued: it is discarded and its
// ceiling slot released. A connection that did not come out of this pool's
// Get is rejected and closed, since pooling it would corrupt the ceiling
// accounting.
func (p *Pool) Put(conn driver.Conn) {
	pc, ok := conn.(*poolConn)
	if !ok {
		p.config.Logger.Error("pgpool: Put called with a connection the pool does not own")
		if !conn.IsClosed() {
			_ = conn.Close(context.Background())
		}
		return
	}
	if pc.IsClosed() {
		p.discard(pc)
		return
	}
	p.put(pc)
}

func (p *Pool) put(conn *poolConn) {
	p.mu.Lock()
	if len(p.waiters) > 0 {
		ready := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ready <- conn
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// discard drops a connection without returning it, releasing its ceiling
// slot. The connection is closed best-effort if it is not already.
func (p *Pool) discard(conn *poolConn) {
	p.mu.Lock()
	p.created--
	p.mu.Unlock()

	if !conn.IsClosed() {
		if err := conn.Close(context.Background()); err != nil {
			p.config.Logger.Debug("pgpool: close on discard failed",
				slog.String("conn_id", conn.id.String()), slog.Any("error", err))
		}
	}
	p.config.Logger.Debug("pgpool: connection discarded", slog.String("conn_id", conn.id.String()))
}

// CloseAll drains the idle queue and closes every connection found,
// releasing their ceiling slots. Close failures are logged and swallowed:
// full cleanup under cascading close failures is best-effort by design.
// Checked-out connections are unaffected; they notice closure on their next
// network operation and are discarded when returned.
func (p *Pool) CloseAll(ctx context.Context) {
	p.mu.Lock()
	drained := p.idle
	p.idle = nil
	p.created -= len(drained)
	p.mu.Unlock()

	for _, conn := range drained {
		if err := conn.Close(ctx); err != nil {
			p.config.Logger.Warn("pgpool: close failed during CloseAll",
				slog.String("conn_id", conn.id.String()), slog.Any("error", err))
		}
	}
}
