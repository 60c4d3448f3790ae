// Package testconn provides a scriptable in-memory implementation of the
// driver interfaces for unit tests. No server is involved: poll states,
// results and failures are all preloaded by the test.
package testconn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pgtools/pgpool/driver"
)

// ErrClosed is returned by operations on a closed fake connection.
var ErrClosed = errors.New("testconn: connection is closed")

// Connector hands out fake connections and records every one it created.
// It is safe for concurrent use.
type Connector struct {
	mu sync.Mutex

	// ConnectErr, when set, makes Connect fail.
	ConnectErr error

	// Configure, when set, is applied to each new connection before it is
	// returned.
	Configure func(*Conn)

	conns []*Conn
}

// Connect implements driver.Connector.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	conn := NewConn()
	if c.Configure != nil {
		c.Configure(conn)
	}
	c.conns = append(c.conns, conn)
	return conn, nil
}

// Conns returns every connection created so far.
func (c *Connector) Conns() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Conn(nil), c.conns...)
}

// Conn is a fake driver.Conn. Fields are exported so tests can script
// behavior and assert on observed calls. Like a real driver.Conn it is used
// by one goroutine at a time; reading counters is safe once the operations
// under test have finished.
type Conn struct {
	// PollStates is consumed one state per Poll call; once exhausted, Poll
	// reports ready.
	PollStates []driver.PollState
	// PollErr makes Poll fail.
	PollErr error
	// PollCalls counts Poll invocations.
	PollCalls int

	// FD is the fake descriptor reported to waiters.
	FD uintptr

	// Closed marks the connection closed. Tests may set it directly to
	// simulate a server-side drop.
	Closed bool
	// CloseErr makes Close fail (the connection still closes).
	CloseErr error
	// CloseCalls counts Close invocations, including no-op ones.
	CloseCalls int

	// Isolation is the current isolation level.
	Isolation driver.IsolationLevel
	// IsolationSets records every SetIsolationLevel call.
	IsolationSets []driver.IsolationLevel
	// SetIsolationErr makes SetIsolationLevel fail.
	SetIsolationErr error

	// AutocommitFlag is the current autocommit mode.
	AutocommitFlag bool

	// CommitCalls / RollbackCalls count transaction terminations.
	CommitCalls   int
	RollbackCalls int
	// CommitErr / RollbackErr make the respective call fail.
	CommitErr   error
	RollbackErr error

	// Records is the result every cursor serves after Execute.
	Records []driver.Record
	// RowCountValue overrides the reported row count when non-zero;
	// otherwise the count of Records is reported.
	RowCountValue int64
	// ExecuteErr makes cursor Execute fail.
	ExecuteErr error
	// Executed records every statement submitted on this connection.
	Executed []string
	// ExecutedArgs records the corresponding parameter lists.
	ExecutedArgs [][]any
	// FetchManyCalls counts batch fetches across all cursors.
	FetchManyCalls int

	// Notes is drained by Notifications.
	Notes []driver.Notification
}

// NewConn returns a fake connection with PostgreSQL-like defaults.
func NewConn() *Conn {
	return &Conn{Isolation: driver.LevelReadCommitted}
}

// Poll implements driver.Conn.
func (c *Conn) Poll() (driver.PollState, error) {
	c.PollCalls++
	if c.PollErr != nil {
		return driver.PollReady, c.PollErr
	}
	if len(c.PollStates) > 0 {
		state := c.PollStates[0]
		c.PollStates = c.PollStates[1:]
		return state, nil
	}
	return driver.PollReady, nil
}

// FileDescriptor implements driver.Conn.
func (c *Conn) FileDescriptor() uintptr { return c.FD }

// Close implements driver.Conn.
func (c *Conn) Close(ctx context.Context) error {
	c.CloseCalls++
	if c.Closed {
		return nil
	}
	c.Closed = true
	return c.CloseErr
}

// IsClosed implements driver.Conn.
func (c *Conn) IsClosed() bool { return c.Closed }

// IsolationLevel implements driver.Conn.
func (c *Conn) IsolationLevel() driver.IsolationLevel { return c.Isolation }

// SetIsolationLevel implements driver.Conn.
func (c *Conn) SetIsolationLevel(ctx context.Context, level driver.IsolationLevel) error {
	if c.Closed {
		return ErrClosed
	}
	if c.SetIsolationErr != nil {
		return c.SetIsolationErr
	}
	c.IsolationSets = append(c.IsolationSets, level)
	c.Isolation = level
	return nil
}

// Autocommit implements driver.Conn.
func (c *Conn) Autocommit() bool { return c.AutocommitFlag }

// SetAutocommit implements driver.Conn.
func (c *Conn) SetAutocommit(on bool) { c.AutocommitFlag = on }

// Commit implements driver.Conn.
func (c *Conn) Commit(ctx context.Context) error {
	if c.Closed {
		return ErrClosed
	}
	c.CommitCalls++
	return c.CommitErr
}

// Rollback implements driver.Conn.
func (c *Conn) Rollback(ctx context.Context) error {
	if c.Closed {
		return ErrClosed
	}
	c.RollbackCalls++
	return c.RollbackErr
}

// Cursor implements driver.Conn.
func (c *Conn) Cursor() driver.Cursor {
	return &Cursor{conn: c, rowCount: -1}
}

// Notifications implements driver.Conn.
func (c *Conn) Notifications() []driver.Notification {
	out := c.Notes
	c.Notes = nil
	return out
}

// Cursor is the fake execution context served by Conn.Cursor.
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
	if cur.conn.Closed {
		return ErrClosed
	}
	cur.conn.Executed = append(cur.conn.Executed, stmt)
	cur.conn.ExecutedArgs = append(cur.conn.ExecutedArgs, args)
	if cur.conn.ExecuteErr != nil {
		return cur.conn.ExecuteErr
	}
	cur.records = cur.conn.Records
	cur.pos = 0
	cur.rowCount = int64(len(cur.records))
	if cur.conn.RowCountValue != 0 {
		cur.rowCount = cur.conn.RowCountValue
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
	cur.conn.FetchManyCalls++
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

// Waiter is a fake readiness waiter recording every wait. The zero value
// reports readiness immediately.
type Waiter struct {
	mu sync.Mutex

	// ReadErr / WriteErr make the respective wait fail.
	ReadErr  error
	WriteErr error

	readWaits  []uintptr
	writeWaits []uintptr
}

// WaitRead implements the waiter contract.
func (w *Waiter) WaitRead(ctx context.Context, fd uintptr, timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readWaits = append(w.readWaits, fd)
	return w.ReadErr
}

// WaitWrite implements the waiter contract.
func (w *Waiter) WaitWrite(ctx context.Context, fd uintptr, timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeWaits = append(w.writeWaits, fd)
	return w.WriteErr
}

// ReadWaits returns the descriptors passed to WaitRead so far.
func (w *Waiter) ReadWaits() []uintptr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uintptr(nil), w.readWaits...)
}

// WriteWaits returns the descriptors passed to WaitWrite so far.
func (w *Waiter) WriteWaits() []uintptr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uintptr(nil), w.writeWaits...)
}
