package pgpool

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pgtools/pgpool/driver"
)

// TxOptions configures one transaction scope.
type TxOptions struct {
	// Isolation overrides the connection's isolation level for the duration
	// of the scope. The previous level is restored on exit. The zero value
	// keeps whatever the connection already uses.
	Isolation driver.IsolationLevel
}

// WithConn borrows a connection, runs fn as one unit of work, and releases
// the connection on every exit path.
//
// On success the transaction is committed; committing on a connection the
// unit of work closed is fatal (*OperationalError) and the connection is
// discarded. On failure the transaction is rolled back and fn's error is
// returned unchanged: if the connection turned out closed it is abandoned
// and the whole idle set proactively recycled via CloseAll (a dead
// connection usually means the server restarted under all of them); if the
// rollback itself fails, the failure goes to the out-of-band sink and the
// connection is still considered usable.
//
// An *OperationalError at any point leaves the connection's wire state
// unknown, so the connection is discarded rather than returned to the pool.
func (p *Pool) WithConn(ctx context.Context, opts TxOptions, fn func(driver.Conn) error) error {
	conn, err := p.get(ctx)
	if err != nil {
		return err
	}

	// Apply the isolation override. Asking for the level already in effect
	// is a no-op: no set, no restore.
	var restoreTo driver.IsolationLevel
	override := false
	if opts.Isolation != driver.LevelDefault && opts.Isolation != conn.IsolationLevel() {
		restoreTo = conn.IsolationLevel()
		override = true
		if err := p.setIsolation(ctx, conn, opts.Isolation); err != nil {
			if isOperational(err) {
				p.discard(conn)
			} else {
				p.release(ctx, conn, false, restoreTo)
			}
			return err
		}
	}

	if workErr := fn(conn); workErr != nil {
		if conn.IsClosed() {
			// The connection died under the unit of work. Abandon it and
			// recycle every idle connection: the server side may be gone
			// for all of them.
			p.discard(conn)
			p.CloseAll(ctx)
			return workErr
		}
		if isOperational(workErr) {
			// The failure happened mid round-trip; no rollback can be
			// trusted to complete on this connection.
			p.discard(conn)
			return workErr
		}
		if rbErr := p.rollback(ctx, conn); rbErr != nil {
			p.reportRollbackError(conn, rbErr)
			if isOperational(rbErr) {
				p.discard(conn)
				return workErr
			}
		}
		p.release(ctx, conn, override, restoreTo)
		return workErr
	}

	if conn.IsClosed() {
		p.discard(conn)
		return &OperationalError{Reason: "cannot commit because connection was closed"}
	}
	if err := p.commit(ctx, conn); err != nil {
		if conn.IsClosed() || isOperational(err) {
			p.discard(conn)
		} else {
			p.release(ctx, conn, override, restoreTo)
		}
		if isOperational(err) {
			return err
		}
		return &OperationalError{Reason: "commit failed", Err: err}
	}

	p.release(ctx, conn, override, restoreTo)
	return nil
}

// WithCursor is WithConn with a fresh cursor handed to the unit of work.
// The cursor drives each statement's round-trip through the adapter itself,
// so the unit of work can chain statements without touching the adapter.
func (p *Pool) WithCursor(ctx context.Context, opts TxOptions, fn func(driver.Cursor) error) error {
	return p.WithConn(ctx, opts, func(conn driver.Conn) error {
		return fn(&drivenCursor{Cursor: conn.Cursor(), adapter: p.adapter})
	})
}

// drivenCursor completes every Execute through the suspension adapter.
type drivenCursor struct {
	driver.Cursor
	adapter *Adapter
}

func (c *drivenCursor) Execute(ctx context.Context, stmt string, args ...any) error {
	if err := c.Cursor.Execute(ctx, stmt, args...); err != nil {
		return err
	}
	return c.adapter.Drive(ctx, c.Cursor.Conn())
}

// release restores an isolation override and returns the connection to the
// pool. It is the unconditional checkin half of the scope.
func (p *Pool) release(ctx context.Context, conn *poolConn, override bool, restoreTo driver.IsolationLevel) {
	if override && !conn.IsClosed() {
		if err := p.setIsolation(ctx, conn, restoreTo); err != nil {
			// A connection whose isolation level we cannot account for must
			// not be reused.
			p.config.Logger.Warn("pgpool: isolation level restore failed",
				slog.String("conn_id", conn.id.String()), slog.Any("error", err))
			p.discard(conn)
			return
		}
	}
	p.Put(conn)
}

// isOperational reports whether err marks the connection's wire state as
// unknown. Such a connection must never re-enter the pool.
func isOperational(err error) bool {
	var opErr *OperationalError
	return errors.As(err, &opErr)
}

func (p *Pool) reportRollbackError(conn *poolConn, err error) {
	if p.config.OnRollbackError != nil {
		p.config.OnRollbackError(conn, err)
		return
	}
	p.config.Logger.Error("pgpool: rollback failed",
		slog.String("conn_id", conn.id.String()), slog.Any("error", err))
}

// commit, rollback and setIsolation initiate the operation and then drive
// the connection through the adapter so the round-trip suspends only the
// calling goroutine.

func (p *Pool) commit(ctx context.Context, conn driver.Conn) error {
	if err := conn.Commit(ctx); err != nil {
		return err
	}
	return p.adapter.Drive(ctx, conn)
}

func (p *Pool) rollback(ctx context.Context, conn driver.Conn) error {
	if err := conn.Rollback(ctx); err != nil {
		return err
	}
	return p.adapter.Drive(ctx, conn)
}

func (p *Pool) setIsolation(ctx context.Context, conn driver.Conn, level driver.IsolationLevel) error {
	if err := conn.SetIsolationLevel(ctx, level); err != nil {
		return err
	}
	return p.adapter.Drive(ctx, conn)
}
