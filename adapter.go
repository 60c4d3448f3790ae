package pgpool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pgtools/pgpool/driver"
)

// ErrWaitTimeout is returned by a Waiter when the configured poll timeout
// elapses before the descriptor becomes ready.
var ErrWaitTimeout = errors.New("pgpool: timeout waiting for connection readiness")

// Waiter parks the calling goroutine until a socket descriptor is ready.
// It is the single substitutable piece of scheduler integration: swap it to
// move the pool onto a different concurrency model. A zero timeout means
// wait indefinitely.
type Waiter interface {
	WaitRead(ctx context.Context, fd uintptr, timeout time.Duration) error
	WaitWrite(ctx context.Context, fd uintptr, timeout time.Duration) error
}

// Adapter drives a connection's in-flight operation to completion, turning
// each read/write wait into a suspension of only the calling goroutine.
// It must be installed (via Config.Waiter) before any connection performs
// network I/O; the pool wires it through every connect, commit, rollback and
// statement round-trip.
type Adapter struct {
	waiter  Waiter
	timeout time.Duration
}

// NewAdapter returns an adapter using the given waiter and per-wait timeout.
// A zero timeout polls indefinitely.
func NewAdapter(waiter Waiter, timeout time.Duration) *Adapter {
	return &Adapter{waiter: waiter, timeout: timeout}
}

// Drive polls conn until the in-flight operation completes, waiting on the
// connection's descriptor whenever the driver reports a read or write wait.
//
// An unrecognized poll state or an expired wait is fatal for the operation
// and surfaces as *OperationalError; the connection's state is undefined
// afterwards and callers must treat it as unusable.
func (a *Adapter) Drive(ctx context.Context, conn driver.Conn) error {
	for {
		state, err := conn.Poll()
		if err != nil {
			return err
		}
		switch state {
		case driver.PollReady:
			return nil
		case driver.PollRead:
			err = a.waiter.WaitRead(ctx, conn.FileDescriptor(), a.timeout)
		case driver.PollWrite:
			err = a.waiter.WaitWrite(ctx, conn.FileDescriptor(), a.timeout)
		default:
			return &OperationalError{
				Reason: fmt.Sprintf("bad result from poll: %d", state),
			}
		}
		if err != nil {
			return &OperationalError{Reason: "wait for connection readiness failed", Err: err}
		}
	}
}

// Waiter returns the underlying waiter, for components (such as the pubsub
// reader) that wait on a descriptor without driving an operation.
func (a *Adapter) Waiter() Waiter {
	return a.waiter
}
