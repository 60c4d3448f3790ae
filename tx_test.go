package pgpool_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgtools/pgpool"
	"github.com/pgtools/pgpool/driver"
	"github.com/pgtools/pgpool/internal/testconn"
)

var errUnitOfWork = errors.New("unit of work failed")

func TestWithConnCommitRollback(t *testing.T) {
	ctx := context.Background()

	t.Run("success commits exactly once and returns the connection", func(t *testing.T) {
		pool, connector := newTestPool(t, 2)

		err := pool.WithConn(ctx, pgpool.TxOptions{}, func(conn driver.Conn) error {
			return nil
		})
		require.NoError(t, err)

		conn := connector.Conns()[0]
		require.Equal(t, 1, conn.CommitCalls)
		require.Zero(t, conn.RollbackCalls)
		require.Equal(t, pgpool.Stat{Created: 1, Idle: 1}, pool.Stat())
	})

	t.Run("failure rolls back exactly once and surfaces the original error", func(t *testing.T) {
		pool, connector := newTestPool(t, 2)

		err := pool.WithConn(ctx, pgpool.TxOptions{}, func(conn driver.Conn) error {
			return errUnitOfWork
		})
		require.ErrorIs(t, err, errUnitOfWork, "the unit of work error must surface unchanged")

		conn := connector.Conns()[0]
		require.Equal(t, 1, conn.RollbackCalls)
		require.Zero(t, conn.CommitCalls)
		require.Equal(t, pgpool.Stat{Created: 1, Idle: 1}, pool.Stat(),
			"a rolled-back connection goes back to the pool")
	})

	t.Run("closed connection on failure is abandoned and the pool recycled", func(t *testing.T) {
		pool, connector := newTestPool(t, 3)

		// Two idle connections: WithConn borrows the first (FIFO), the
		// second stays idle to observe the proactive recycle.
		first, err := pool.Get(ctx)
		require.NoError(t, err)
		idle, err := pool.Get(ctx)
		require.NoError(t, err)
		pool.Put(first)
		pool.Put(idle)

		err = pool.WithConn(ctx, pgpool.TxOptions{}, func(conn driver.Conn) error {
			_ = conn.Close(ctx) // server dropped us mid-work
			return errUnitOfWork
		})
		require.ErrorIs(t, err, errUnitOfWork)

		broken := connector.Conns()[0]
		require.Zero(t, broken.RollbackCalls, "no rollback on a closed connection")
		require.Zero(t, broken.CommitCalls)
		require.True(t, idle.IsClosed(), "idle connections are proactively recycled")

		stat := pool.Stat()
		require.Zero(t, stat.Idle)
		require.Zero(t, stat.Created, "both the abandoned and the recycled slot are released")
	})

	t.Run("rollback failure goes to the sink, original error wins", func(t *testing.T) {
		rollbackErr := errors.New("rollback lost the race")
		var sunk error
		connector := &testconn.Connector{
			Configure: func(conn *testconn.Conn) { conn.RollbackErr = rollbackErr },
		}
		pool, err := pgpool.New(&pgpool.Config{
			Connector: connector,
			MaxSize:   2,
			Waiter:    &testconn.Waiter{},
			OnRollbackError: func(_ driver.Conn, err error) {
				sunk = err
			},
		})
		require.NoError(t, err)

		err = pool.WithConn(ctx, pgpool.TxOptions{}, func(conn driver.Conn) error {
			return errUnitOfWork
		})
		require.ErrorIs(t, err, errUnitOfWork, "rollback failure must not mask the original error")
		require.ErrorIs(t, sunk, rollbackErr, "rollback failure must reach the out-of-band sink")
		require.Equal(t, 1, pool.Stat().Idle, "the connection is still considered usable")
	})

	t.Run("commit on a connection closed by the unit of work is fatal", func(t *testing.T) {
		pool, connector := newTestPool(t, 2)

		err := pool.WithConn(ctx, pgpool.TxOptions{}, func(conn driver.Conn) error {
			_ = conn.Close(ctx)
			return nil
		})
		var opErr *pgpool.OperationalError
		require.ErrorAs(t, err, &opErr)

		conn := connector.Conns()[0]
		require.Zero(t, conn.CommitCalls, "never commit on a closed connection")
		require.Equal(t, 1, conn.CloseCalls, "never double-close")
		require.Zero(t, pool.Stat().Idle, "the connection must not be returned to the pool")
		require.Zero(t, pool.Stat().Created)
	})
}

func TestWithConnIsolation(t *testing.T) {
	ctx := context.Background()

	t.Run("same level is a no-op", func(t *testing.T) {
		pool, connector := newTestPool(t, 1)

		err := pool.WithConn(ctx, pgpool.TxOptions{Isolation: driver.LevelReadCommitted},
			func(conn driver.Conn) error { return nil })
		require.NoError(t, err)

		conn := connector.Conns()[0]
		require.Empty(t, conn.IsolationSets, "no set call and no restoration call")
	})

	t.Run("different level is set once and restored once", func(t *testing.T) {
		pool, connector := newTestPool(t, 1)

		err := pool.WithConn(ctx, pgpool.TxOptions{Isolation: driver.LevelSerializable},
			func(conn driver.Conn) error {
				require.Equal(t, driver.LevelSerializable, conn.IsolationLevel())
				return nil
			})
		require.NoError(t, err)

		conn := connector.Conns()[0]
		require.Equal(t,
			[]driver.IsolationLevel{driver.LevelSerializable, driver.LevelReadCommitted},
			conn.IsolationSets)
		require.Equal(t, driver.LevelReadCommitted, conn.IsolationLevel())
	})

	t.Run("restores even when the unit of work fails", func(t *testing.T) {
		pool, connector := newTestPool(t, 1)

		err := pool.WithConn(ctx, pgpool.TxOptions{Isolation: driver.LevelRepeatableRead},
			func(conn driver.Conn) error { return errUnitOfWork })
		require.ErrorIs(t, err, errUnitOfWork)

		conn := connector.Conns()[0]
		require.Equal(t,
			[]driver.IsolationLevel{driver.LevelRepeatableRead, driver.LevelReadCommitted},
			conn.IsolationSets)
		require.Equal(t, 1, conn.RollbackCalls)
	})

	t.Run("override survives across reuse of the same connection", func(t *testing.T) {
		pool, connector := newTestPool(t, 1)

		for i := 0; i < 2; i++ {
			err := pool.WithConn(ctx, pgpool.TxOptions{Isolation: driver.LevelSerializable},
				func(conn driver.Conn) error { return nil })
			require.NoError(t, err)
		}

		conn := connector.Conns()[0]
		require.Len(t, conn.IsolationSets, 4, "set and restore per scope")
		require.Equal(t, driver.LevelReadCommitted, conn.IsolationLevel())
	})
}

func TestWithConnOperationalFailure(t *testing.T) {
	ctx := context.Background()

	// A readiness wait that times out mid round-trip leaves the wire state
	// unknown; the connection must be discarded, never re-pooled.
	newPool := func(t *testing.T) (*pgpool.Pool, *testconn.Connector) {
		t.Helper()
		connector := &testconn.Connector{}
		pool, err := pgpool.New(&pgpool.Config{
			Connector: connector,
			MaxSize:   1,
			Waiter:    &testconn.Waiter{ReadErr: pgpool.ErrWaitTimeout},
		})
		require.NoError(t, err)
		return pool, connector
	}

	t.Run("timed-out statement discards the connection", func(t *testing.T) {
		pool, connector := newPool(t)

		err := pool.WithCursor(ctx, pgpool.TxOptions{}, func(cur driver.Cursor) error {
			connector.Conns()[0].PollStates = []driver.PollState{driver.PollRead}
			return cur.Execute(ctx, "SELECT pg_sleep(60)")
		})
		var opErr *pgpool.OperationalError
		require.ErrorAs(t, err, &opErr)
		require.ErrorIs(t, err, pgpool.ErrWaitTimeout)

		conn := connector.Conns()[0]
		require.Zero(t, conn.RollbackCalls, "no rollback on a connection in unknown wire state")
		require.True(t, conn.IsClosed(), "discarding closes the connection")
		require.Equal(t, pgpool.Stat{}, pool.Stat(), "the connection must never be re-pooled")
	})

	t.Run("timed-out commit discards the connection", func(t *testing.T) {
		pool, connector := newPool(t)

		err := pool.WithConn(ctx, pgpool.TxOptions{}, func(conn driver.Conn) error {
			connector.Conns()[0].PollStates = []driver.PollState{driver.PollRead}
			return nil
		})
		require.ErrorIs(t, err, pgpool.ErrWaitTimeout)

		conn := connector.Conns()[0]
		require.Equal(t, 1, conn.CommitCalls)
		require.True(t, conn.IsClosed())
		require.Equal(t, pgpool.Stat{}, pool.Stat())
	})

	t.Run("timed-out isolation override discards the connection", func(t *testing.T) {
		pool, connector := newPool(t)
		// First state feeds the connect handshake, the second the SET.
		connector.Configure = func(conn *testconn.Conn) {
			conn.PollStates = []driver.PollState{driver.PollReady, driver.PollRead}
		}

		err := pool.WithConn(ctx, pgpool.TxOptions{Isolation: driver.LevelSerializable},
			func(conn driver.Conn) error {
				t.Fatal("unit of work must not run after a failed override")
				return nil
			})
		require.ErrorIs(t, err, pgpool.ErrWaitTimeout)
		require.True(t, connector.Conns()[0].IsClosed())
		require.Equal(t, pgpool.Stat{}, pool.Stat())
	})

	t.Run("timed-out rollback reaches the sink and discards the connection", func(t *testing.T) {
		var sunk error
		connector := &testconn.Connector{}
		pool, err := pgpool.New(&pgpool.Config{
			Connector:       connector,
			MaxSize:         1,
			Waiter:          &testconn.Waiter{ReadErr: pgpool.ErrWaitTimeout},
			OnRollbackError: func(_ driver.Conn, err error) { sunk = err },
		})
		require.NoError(t, err)

		err = pool.WithConn(ctx, pgpool.TxOptions{}, func(conn driver.Conn) error {
			connector.Conns()[0].PollStates = []driver.PollState{driver.PollRead}
			return errUnitOfWork
		})
		require.ErrorIs(t, err, errUnitOfWork, "the original error still wins")
		require.ErrorIs(t, sunk, pgpool.ErrWaitTimeout)
		require.True(t, connector.Conns()[0].IsClosed())
		require.Equal(t, pgpool.Stat{}, pool.Stat())
	})
}

func TestWithCursor(t *testing.T) {
	ctx := context.Background()

	t.Run("hands the unit of work a cursor on the borrowed connection", func(t *testing.T) {
		pool, connector := newTestPool(t, 1)
		connector.Configure = func(conn *testconn.Conn) {
			conn.Records = []driver.Record{{"id": int64(1)}}
		}

		err := pool.WithCursor(ctx, pgpool.TxOptions{}, func(cur driver.Cursor) error {
			if err := cur.Execute(ctx, "SELECT id FROM t"); err != nil {
				return err
			}
			record, err := cur.FetchOne()
			require.NoError(t, err)
			require.Equal(t, driver.Record{"id": int64(1)}, record)
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, []string{"SELECT id FROM t"}, connector.Conns()[0].Executed)
	})
}
