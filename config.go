package pgpool

import (
	"log/slog"
	"time"

	"github.com/pgtools/pgpool/driver"
)

const (
	// DefaultMaxSize is the connection ceiling used when Config.MaxSize is
	// zero.
	DefaultMaxSize = 30

	// DefaultBatchSize is the number of records pulled per server fetch
	// during lazy iteration when Config.BatchSize is zero.
	DefaultBatchSize = 100
)

// Config holds the configuration for creating a connection pool.
type Config struct {
	// Connector creates new server connections. Required. Connection
	// parameters (host, port, user, password, database) are opaque to the
	// pool and live inside the Connector.
	Connector driver.Connector

	// MaxSize is the maximum number of simultaneously open connections.
	// Zero selects DefaultMaxSize; negative values are rejected.
	MaxSize int

	// Waiter suspends goroutines waiting for socket readiness. Defaults to
	// the poll(2)-based waiter. It must be set before the first connection
	// performs network I/O and not changed afterwards.
	Waiter Waiter

	// PollTimeout bounds each individual readiness wait. Zero means poll
	// indefinitely. A connection whose wait timed out is unusable.
	PollTimeout time.Duration

	// AcquireTimeout bounds how long Get waits for a free connection when
	// the pool is exhausted. Zero means wait forever.
	AcquireTimeout time.Duration

	// BatchSize is the number of records pulled per server fetch during
	// lazy iteration. Zero selects DefaultBatchSize.
	BatchSize int

	// Logger receives best-effort failure reports (CloseAll errors,
	// discarded connections). Defaults to slog.Default().
	Logger *slog.Logger

	// OnRollbackError is the out-of-band sink for rollback failures inside
	// a transaction scope. The original unit-of-work error always wins; the
	// rollback failure is reported here instead of being propagated.
	// Defaults to logging at error level.
	OnRollbackError func(conn driver.Conn, err error)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Connector == nil {
		return &ConfigError{Reason: "Connector is required"}
	}
	if c.MaxSize < 0 {
		return &ConfigError{Reason: "MaxSize must be positive"}
	}
	if c.BatchSize < 0 {
		return &ConfigError{Reason: "BatchSize must be positive"}
	}
	return nil
}

// withDefaults returns a copy of c with zero values replaced by defaults.
func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxSize == 0 {
		out.MaxSize = DefaultMaxSize
	}
	if out.BatchSize == 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.Waiter == nil {
		out.Waiter = NewFDWaiter()
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}
