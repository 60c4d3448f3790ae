package pgpool

import "fmt"

// ConfigError reports invalid construction input, such as a non-positive
// pool size or an unknown fetch mode. It always fails fast.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "pgpool: invalid configuration: " + e.Reason
}

// ConnectError reports a failed attempt to create a new server connection.
// The pool's ceiling slot reserved for the attempt has been released.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("pgpool: connect failed: %v", e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// OperationalError reports a condition fatal to the current operation: an
// unrecognized poll state, a readiness wait that timed out, or a commit
// attempted on a closed connection. The connection involved must not be
// reused.
type OperationalError struct {
	Reason string
	Err    error
}

func (e *OperationalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pgpool: %s: %v", e.Reason, e.Err)
	}
	return "pgpool: " + e.Reason
}

func (e *OperationalError) Unwrap() error { return e.Err }

// StatementError reports a statement the server rejected. The transaction
// was rolled back and the connection remains usable.
type StatementError struct {
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("pgpool: statement failed: %v (statement: %s)", e.Err, e.Statement)
}

func (e *StatementError) Unwrap() error { return e.Err }

// Error is the stable module-level error kind returned by Query. It carries
// the underlying cause so application code never depends on the raw driver's
// error types.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pgpool: query failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
