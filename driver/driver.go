// Package driver defines the server-connection abstraction the pool is built
// on. It mirrors a standard synchronous database driver: the wire protocol,
// authentication handshake and query encoding all live behind these
// interfaces and are never reimplemented by the pool.
//
// Methods that touch the network (Connect, Close, Commit, Rollback,
// SetIsolationLevel, Cursor.Execute) initiate the operation and may return
// before it has completed. The caller is expected to drive the connection to
// completion through the suspension adapter (see pgpool.Adapter), repeatedly
// consulting Poll. Implementations that block internally simply report
// PollReady on the first Poll.
package driver

import "context"

// PollState reports what a connection is waiting for mid-operation.
type PollState int

const (
	// PollReady means the in-flight operation has completed.
	PollReady PollState = iota
	// PollRead means the connection is waiting for the socket to become
	// readable.
	PollRead
	// PollWrite means the connection is waiting for the socket to become
	// writable.
	PollWrite
)

// String returns a human-readable name for the poll state.
func (s PollState) String() string {
	switch s {
	case PollReady:
		return "ready"
	case PollRead:
		return "read"
	case PollWrite:
		return "write"
	default:
		return "unknown"
	}
}

// IsolationLevel names a server transaction isolation level. The zero value
// means "whatever the session already uses".
type IsolationLevel string

const (
	LevelDefault        IsolationLevel = ""
	LevelReadCommitted  IsolationLevel = "read committed"
	LevelRepeatableRead IsolationLevel = "repeatable read"
	LevelSerializable   IsolationLevel = "serializable"
)

// Record is one result row keyed by column name.
type Record map[string]any

// Notification is one asynchronous NOTIFY event received on a connection.
type Notification struct {
	Channel string
	Payload string
	PID     uint32
}

// Connector creates connections to a single server. Connection parameters
// (host, port, user, password, database) are opaque to the pool and belong
// entirely to the Connector.
type Connector interface {
	// Connect starts a new session. The returned connection's handshake may
	// still be in flight; the caller drives it to completion via Poll.
	Connect(ctx context.Context) (Conn, error)
}

// ConnectorFunc adapts a plain function to the Connector interface.
type ConnectorFunc func(ctx context.Context) (Conn, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context) (Conn, error) { return f(ctx) }

// Conn is one live server session. A Conn is owned by exactly one goroutine
// at a time: by the pool while idle, by the borrowing task while checked out.
// It is not safe for concurrent use.
type Conn interface {
	// Poll reports the readiness state of the in-flight operation. An error
	// means the operation itself failed (not a transport wait).
	Poll() (PollState, error)

	// FileDescriptor returns the socket descriptor waiters poll on.
	FileDescriptor() uintptr

	// Close terminates the session. Closing an already-closed connection is
	// a no-op.
	Close(ctx context.Context) error

	// IsClosed reports whether the session has been terminated, locally or
	// by the server.
	IsClosed() bool

	// IsolationLevel returns the session's current isolation level.
	IsolationLevel() IsolationLevel

	// SetIsolationLevel changes the session's isolation level.
	SetIsolationLevel(ctx context.Context, level IsolationLevel) error

	// Autocommit reports whether statements commit implicitly.
	Autocommit() bool

	// SetAutocommit toggles implicit-commit mode. Only valid outside an open
	// transaction.
	SetAutocommit(on bool)

	// Commit commits the open transaction.
	Commit(ctx context.Context) error

	// Rollback aborts the open transaction.
	Rollback(ctx context.Context) error

	// Cursor returns a new execution context bound to this connection.
	Cursor() Cursor

	// Notifications drains and returns any buffered asynchronous
	// notifications received on this session.
	Notifications() []Notification
}

// Cursor executes one statement and exposes its buffered result. Results are
// fully received once the connection reports ready, so FetchOne and FetchMany
// are local operations (client-side cursor semantics).
type Cursor interface {
	// Conn returns the connection this cursor is bound to.
	Conn() Conn

	// Execute submits a statement with positional parameters.
	Execute(ctx context.Context, stmt string, args ...any) error

	// RowCount returns the number of rows affected or returned by the last
	// executed statement, or -1 when unknown.
	RowCount() int64

	// FetchOne returns the next row, or nil when the result is exhausted.
	FetchOne() (Record, error)

	// FetchMany returns up to n next rows. An empty slice means the result
	// is exhausted.
	FetchMany(n int) ([]Record, error)
}
