//go:build unix

package pgpool

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

// fdWaiter waits for descriptor readiness with poll(2). Waits are chunked so
// context cancellation is observed even during an indefinite wait.
type fdWaiter struct{}

// NewFDWaiter returns the default poll(2)-based waiter.
func NewFDWaiter() Waiter {
	return fdWaiter{}
}

const pollChunk = 100 * time.Millisecond

func (fdWaiter) WaitRead(ctx context.Context, fd uintptr, timeout time.Duration) error {
	return waitFD(ctx, fd, unix.POLLIN, timeout)
}

func (fdWaiter) WaitWrite(ctx context.Context, fd uintptr, timeout time.Duration) error {
	return waitFD(ctx, fd, unix.POLLOUT, timeout)
}

func waitFD(ctx context.Context, fd uintptr, events int16, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk := pollChunk
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrWaitTimeout
			}
			if remaining < chunk {
				chunk = remaining
			}
		}

		fds[0].Revents = 0
		n, err := unix.Poll(fds, int(chunk.Milliseconds())+1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n > 0 {
			return nil
		}
	}
}
