// Package pgxconn implements the driver interfaces on top of
// github.com/jackc/pgx/v5. The wire protocol, authentication and parameter
// encoding are delegated entirely to pgx.
//
// pgx waits on the Go runtime network poller itself, so operations complete
// by the time a call returns and Poll reports ready immediately; the
// suspension adapter's loop degenerates to a single iteration. The poll
// contract still holds, which keeps pooled pgx connections interchangeable
// with drivers that expose true non-blocking readiness.
package pgxconn

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pgtools/pgpool/driver"
)

// Connector creates pgx-backed connections for a single server.
type Connector struct {
	config *pgx.ConnConfig
}

// NewConnector builds a connector from a connection string
// (postgres://... or key=value DSN).
func NewConnector(connString string) (*Connector, error) {
	config, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("pgxconn: parse config: %w", err)
	}
	return &Connector{config: config}, nil
}

// NewConnectorFromConfig builds a connector from an existing pgx config.
// The config is copied; the caller may keep mutating its own.
func NewConnectorFromConfig(config *pgx.ConnConfig) *Connector {
	return &Connector{config: config.Copy()}
}

// Connect implements driver.Connector.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	conn := &Conn{isolation: driver.LevelReadCommitted}

	config := c.config.Copy()
	config.OnNotification = func(_ *pgconn.PgConn, n *pgconn.Notification) {
		conn.notifications = append(conn.notifications, driver.Notification{
			Channel: n.Channel,
			Payload: n.Payload,
			PID:     n.PID,
		})
	}

	pgxConn, err := pgx.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	conn.conn = pgxConn
	return conn, nil
}

// Conn adapts one *pgx.Conn to driver.Conn. Like every driver.Conn it is
// owned by one goroutine at a time and not safe for concurrent use.
//
// In the default (non-autocommit) mode the first statement opens an
// implicit transaction which Commit or Rollback closes, matching the
// classic synchronous-driver behavior the pool is specified against.
type Conn struct {
	conn          *pgx.Conn
	tx            pgx.Tx
	isolation     driver.IsolationLevel
	autocommit    bool
	notifications []driver.Notification
}

// notificationDrainTimeout bounds the per-call read when draining queued
// notifications off the socket.
const notificationDrainTimeout = 10 * time.Millisecond

// Poll implements driver.Conn. pgx has already waited for the response by
// the time control returns here, so the state is always ready.
func (c *Conn) Poll() (driver.PollState, error) {
	return driver.PollReady, nil
}

// FileDescriptor returns the descriptor of the underlying socket, or 0 when
// the transport does not expose one (e.g. TLS over a pipe in tests).
func (c *Conn) FileDescriptor() uintptr {
	netConn := c.conn.PgConn().Conn()
	sc, ok := netConn.(syscall.Conn)
	if !ok {
		return 0
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0
	}
	var fd uintptr
	_ = raw.Control(func(f uintptr) { fd = f })
	return fd
}

// Close implements driver.Conn.
func (c *Conn) Close(ctx context.Context) error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close(ctx)
}

// IsClosed implements driver.Conn.
func (c *Conn) IsClosed() bool {
	return c.conn.IsClosed()
}

// IsolationLevel implements driver.Conn.
func (c *Conn) IsolationLevel() driver.IsolationLevel {
	return c.isolation
}

// SetIsolationLevel changes the session default isolation level. Levels are
// restricted to the driver's known constants, so the interpolation below
// cannot carry user input.
func (c *Conn) SetIsolationLevel(ctx context.Context, level driver.IsolationLevel) error {
	if level == driver.LevelDefault {
		level = driver.LevelReadCommitted
	}
	switch level {
	case driver.LevelReadCommitted, driver.LevelRepeatableRead, driver.LevelSerializable:
	default:
		return fmt.Errorf("pgxconn: unknown isolation level %q", level)
	}
	// SET returns no rows; going through Exec keeps the connection free for
	// the next statement and surfaces a rejected SET immediately.
	stmt := "SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL " + string(level)
	if err := c.execDiscard(ctx, stmt); err != nil {
		return err
	}
	c.isolation = level
	return nil
}

// Autocommit implements driver.Conn.
func (c *Conn) Autocommit() bool { return c.autocommit }

// SetAutocommit implements driver.Conn. Flipping the mode while a
// transaction is open would lose it, so the open transaction requirement is
// on the caller (the pool only toggles between scopes).
func (c *Conn) SetAutocommit(on bool) { c.autocommit = on }

// Commit implements driver.Conn. Committing with no open transaction is a
// no-op.
func (c *Conn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Commit(ctx)
	c.tx = nil
	return err
}

// Rollback implements driver.Conn. Rolling back with no open transaction is
// a no-op.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback(ctx)
	c.tx = nil
	return err
}

// Cursor implements driver.Conn.
func (c *Conn) Cursor() driver.Cursor {
	return &Cursor{conn: c, rowCount: -1}
}

// Notifications drains queued notifications: anything already buffered by
// pgx plus whatever is sitting unread on the socket.
func (c *Conn) Notifications() []driver.Notification {
	// Pull readable input off the socket. Each WaitForNotification call
	// returns after one notification, so loop until the short deadline
	// trips.
	if !c.conn.IsClosed() {
		for {
			ctx, cancel := context.WithTimeout(context.Background(), notificationDrainTimeout)
			err := c.conn.PgConn().WaitForNotification(ctx)
			cancel()
			if err != nil {
				break
			}
		}
	}
	out := c.notifications
	c.notifications = nil
	return out
}

// exec runs one statement, opening the implicit transaction first when the
// connection is not in autocommit mode.
func (c *Conn) exec(ctx context.Context, stmt string, args ...any) (pgx.Rows, error) {
	if !c.autocommit && c.tx == nil {
		tx, err := c.conn.Begin(ctx)
		if err != nil {
			return nil, err
		}
		c.tx = tx
	}
	if c.tx != nil {
		return c.tx.Query(ctx, stmt, args...)
	}
	return c.conn.Query(ctx, stmt, args...)
}

// execDiscard runs one row-less statement, inside the open transaction if
// there is one. A session-level SET takes effect for subsequent transactions
// either way, so no implicit transaction is opened for it.
func (c *Conn) execDiscard(ctx context.Context, stmt string, args ...any) error {
	if c.tx != nil {
		_, err := c.tx.Exec(ctx, stmt, args...)
		return err
	}
	_, err := c.conn.Exec(ctx, stmt, args...)
	return err
}

// Cursor buffers the full result of one statement; fetches are local
// (client-side cursor semantics).
type Cursor struct {
	conn     *Conn
	records  []driver.Record
	pos      int
	rowCount int64
}

// Conn implements driver.Cursor.
func (cur *Cursor) Conn() driver.Conn { return cur.conn }

// Execute implements driver.Cursor.
func (cur *Cursor) Execute(ctx context.Context, stmt string, args ...any) error {
	rows, err := cur.conn.exec(ctx, stmt, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var records []driver.Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}
		record := make(driver.Record, len(fields))
		for i, field := range fields {
			record[field.Name] = values[i]
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	cur.records = records
	cur.pos = 0
	cur.rowCount = rows.CommandTag().RowsAffected()
	if len(records) > 0 {
		cur.rowCount = int64(len(records))
	}
	return nil
}

// RowCount implements driver.Cursor.
func (cur *Cursor) RowCount() int64 { return cur.rowCount }

// FetchOne implements driver.Cursor.
func (cur *Cursor) FetchOne() (driver.Record, error) {
	if cur.pos >= len(cur.records) {
		return nil, nil
	}
	record := cur.records[cur.pos]
	cur.pos++
	return record, nil
}

// FetchMany implements driver.Cursor.
func (cur *Cursor) FetchMany(n int) ([]driver.Record, error) {
	if n <= 0 || cur.pos >= len(cur.records) {
		return nil, nil
	}
	end := cur.pos + n
	if end > len(cur.records) {
		end = len(cur.records)
	}
	batch := cur.records[cur.pos:end]
	cur.pos = end
	return batch, nil
}
