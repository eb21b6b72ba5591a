package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// readFull fills buf, retrying on ErrWouldBlock and empty reads until the
// deadline passes. A closed stream is reported as closedErr.
func (c *Conn) readFull(ctx context.Context, buf []byte, deadline time.Time, closedErr error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	total := 0
	for total < len(buf) {
		n, err := c.rw.Read(buf[total:])
		total += n
		if total == len(buf) {
			return nil
		}

		switch {
		case n > 0 && (err == nil || errors.Is(err, ErrWouldBlock)):
		case err == nil, errors.Is(err, ErrWouldBlock):
			if werr := c.wait(ctx, deadline); werr != nil {
				return werr
			}
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return fmt.Errorf("%w: stream closed after %d of %d bytes", closedErr, total, len(buf))
		default:
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
	return nil
}

// writeAll writes buf, retrying on ErrWouldBlock and resuming after short
// writes.
func (c *Conn) writeAll(ctx context.Context, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	total := 0
	for total < len(buf) {
		n, err := c.rw.Write(buf[total:])
		total += n
		if total == len(buf) {
			return nil
		}

		switch {
		case n > 0 && (err == nil || errors.Is(err, ErrWouldBlock)):
		case errors.Is(err, ErrWouldBlock):
			if werr := c.wait(ctx, time.Time{}); werr != nil {
				return werr
			}
		case err != nil:
			return fmt.Errorf("%w: %w", ErrTransport, err)
		case n == 0:
			return fmt.Errorf("%w: %w", ErrTransport, io.ErrShortWrite)
		}
	}
	return nil
}

// wait pauses before a retry. It fails when ctx is done or the deadline has
// passed.
func (c *Conn) wait(ctx context.Context, deadline time.Time) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return fmt.Errorf("%w: %w", ErrTransport, ErrTimeout)
	}
	if c.retryInterval <= 0 {
		return nil
	}

	t := time.NewTimer(c.retryInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
	case <-t.C:
		return nil
	}
}

// nonBlockingConn reports ErrWouldBlock instead of blocking in Read.
type nonBlockingConn struct {
	net.Conn
	poll time.Duration
}

// NonBlocking adapts conn so that each Read waits at most poll before
// returning ErrWouldBlock. Writes are passed through unchanged, since a
// timed-out write can leave a TLS connection unusable.
func NonBlocking(conn net.Conn, poll time.Duration) io.ReadWriter {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &nonBlockingConn{Conn: conn, poll: poll}
}

func (nb *nonBlockingConn) Read(p []byte) (int, error) {
	if err := nb.Conn.SetReadDeadline(time.Now().Add(nb.poll)); err != nil {
		return 0, closedAsEOF(err)
	}
	n, err := nb.Conn.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		if n > 0 {
			return n, nil
		}
		return 0, ErrWouldBlock
	}
	return n, closedAsEOF(err)
}

// closedAsEOF reports a connection closed underneath us as end of stream.
func closedAsEOF(err error) error {
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	return err
}
