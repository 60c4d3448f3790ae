// Package pubsub provides a small API over PostgreSQL LISTEN / NOTIFY.
//
// A PubSub owns one dedicated autocommit connection and consumes the same
// readiness-wait primitive the pool uses, so waiting for events suspends
// only the waiting goroutine. It is independent of pooling and transactions.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pgtools/pgpool"
	"github.com/pgtools/pgpool/driver"
)

// ErrNotAutocommit is returned by New when the supplied connection has an
// open-transaction mode: notifications are only delivered between
// transactions, so the connection must be in autocommit mode.
var ErrNotAutocommit = errors.New("pubsub: connection must be in autocommit mode")

// PubSub reads asynchronous notifications from one dedicated connection.
// It is not safe for concurrent use.
type PubSub struct {
	conn    driver.Conn
	adapter *pgpool.Adapter
	pending []driver.Notification
}

// New wraps an existing autocommit connection.
func New(conn driver.Conn, waiter pgpool.Waiter) (*PubSub, error) {
	if !conn.Autocommit() {
		return nil, ErrNotAutocommit
	}
	return &PubSub{conn: conn, adapter: pgpool.NewAdapter(waiter, 0)}, nil
}

// Connect opens a dedicated notification connection, drives the handshake to
// completion and flips it into autocommit mode.
func Connect(ctx context.Context, connector driver.Connector, waiter pgpool.Waiter) (*PubSub, error) {
	conn, err := connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("pubsub: connect failed: %w", err)
	}
	adapter := pgpool.NewAdapter(waiter, 0)
	if err := adapter.Drive(ctx, conn); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("pubsub: connect failed: %w", err)
	}
	conn.SetAutocommit(true)
	return &PubSub{conn: conn, adapter: adapter}, nil
}

// Listen subscribes the connection to a channel.
func (ps *PubSub) Listen(ctx context.Context, channel string) error {
	return ps.exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
}

// Unlisten removes a channel subscription.
func (ps *PubSub) Unlisten(ctx context.Context, channel string) error {
	return ps.exec(ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize())
}

// Notify publishes a payload on a channel.
func (ps *PubSub) Notify(ctx context.Context, channel, payload string) error {
	return ps.exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
}

// Event waits up to timeout for the connection to become readable, pumps it,
// and returns one notification. It returns (nil, nil) when nothing arrived
// in time. Extra notifications pumped in the same pass are buffered for
// subsequent calls.
func (ps *PubSub) Event(ctx context.Context, timeout time.Duration) (*driver.Notification, error) {
	if len(ps.pending) == 0 {
		if err := ps.pump(ctx, timeout); err != nil {
			return nil, err
		}
	}
	if len(ps.pending) == 0 {
		return nil, nil
	}
	event := ps.pending[0]
	ps.pending = ps.pending[1:]
	return &event, nil
}

// Events waits up to timeout and returns every queued notification, or nil
// when nothing arrived in time.
func (ps *PubSub) Events(ctx context.Context, timeout time.Duration) ([]driver.Notification, error) {
	if err := ps.pump(ctx, timeout); err != nil {
		return nil, err
	}
	events := ps.pending
	ps.pending = nil
	return events, nil
}

// Stream yields notifications endlessly, polling the connection with the
// given interval. When yieldTimeouts is true an empty poll yields a nil
// notification so callers can run periodic work between events. The
// sequence ends when ctx is done or the caller breaks out.
func (ps *PubSub) Stream(ctx context.Context, pollInterval time.Duration, yieldTimeouts bool) iter.Seq2[*driver.Notification, error] {
	return func(yield func(*driver.Notification, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				return
			}
			events, err := ps.Events(ctx, pollInterval)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(events) == 0 {
				if yieldTimeouts && !yield(nil, nil) {
					return
				}
				continue
			}
			for i := range events {
				if !yield(&events[i], nil) {
					return
				}
			}
		}
	}
}

// Close terminates the dedicated connection.
func (ps *PubSub) Close(ctx context.Context) error {
	return ps.conn.Close(ctx)
}

// pump waits for readability, then lets the driver consume whatever arrived
// and drains its notification buffer. A wait timeout is not an error here:
// it simply means no event yet.
func (ps *PubSub) pump(ctx context.Context, timeout time.Duration) error {
	err := ps.adapter.Waiter().WaitRead(ctx, ps.conn.FileDescriptor(), timeout)
	if err != nil {
		if errors.Is(err, pgpool.ErrWaitTimeout) {
			return nil
		}
		return err
	}
	if _, err := ps.conn.Poll(); err != nil {
		return err
	}
	ps.pending = append(ps.pending, ps.conn.Notifications()...)
	return nil
}

// exec runs one statement on the dedicated connection, driving the
// round-trip to completion, and drains any notifications delivered with the
// response.
func (ps *PubSub) exec(ctx context.Context, stmt string, args ...any) error {
	cur := ps.conn.Cursor()
	if err := cur.Execute(ctx, stmt, args...); err != nil {
		return fmt.Errorf("pubsub: %s failed: %w", stmt, err)
	}
	if err := ps.adapter.Drive(ctx, ps.conn); err != nil {
		return fmt.Errorf("pubsub: %s failed: %w", stmt, err)
	}
	ps.pending = append(ps.pending, ps.conn.Notifications()...)
	return nil
}
