// Package transport implements the delimited frame and acknowledgment
// codec used between verifier and prover on top of a secured byte stream.
//
// Wire format:
//
//	55 55 55 55 | payload (0-255 bytes) | FF FF FF FF
//
// Each frame is answered with the 3-byte ASCII token "ACK". Payload length
// is not transmitted; both ends know it from the protocol phase. A receiver
// that sees stray bytes before a start marker resynchronizes by sliding a
// 4-byte window over the stream.
package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// MaxPayload is the largest payload a single frame carries.
const MaxPayload = 255

const markerLen = 4

var (
	startMarker = [markerLen]byte{0x55, 0x55, 0x55, 0x55}
	stopMarker  = [markerLen]byte{0xFF, 0xFF, 0xFF, 0xFF}
	ackToken    = [3]byte{'A', 'C', 'K'}
)

// Errors reported by the codec. Every error returned by Conn wraps exactly
// one of ErrTransport, ErrFraming or ErrProtocol.
var (
	// ErrWouldBlock is returned by non-blocking streams when no data can be
	// transferred yet. The codec retries on it and never returns it.
	ErrWouldBlock = errors.New("transport: operation would block")

	ErrTransport = errors.New("transport: stream failure")
	ErrFraming   = errors.New("transport: framing error")
	ErrProtocol  = errors.New("transport: protocol error")

	// ErrTimeout accompanies ErrTransport when a read exceeds its deadline.
	ErrTimeout = errors.New("transport: read timed out")
)

// Conn frames payloads over a duplex byte stream. A Conn is not safe for
// concurrent use; the protocol is strictly sequential.
type Conn struct {
	rw            io.ReadWriter
	readTimeout   time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
}

// Option configures a Conn.
type Option func(*Conn)

// WithReadTimeout bounds the time spent waiting for a whole frame or
// acknowledgment. Zero disables the bound.
func WithReadTimeout(d time.Duration) Option {
	return func(c *Conn) { c.readTimeout = d }
}

// WithRetryInterval sets the pause between retries after ErrWouldBlock.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Conn) { c.retryInterval = d }
}

// WithLogger sets the logger used for debug traffic dumps.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// New wraps rw.
func New(rw io.ReadWriter, opts ...Option) *Conn {
	c := &Conn{
		rw:            rw,
		retryInterval: time.Millisecond,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendFrame writes the start marker, payload and stop marker.
func (c *Conn) SendFrame(ctx context.Context, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrProtocol, len(payload), MaxPayload)
	}

	if err := c.writeAll(ctx, startMarker[:]); err != nil {
		return fmt.Errorf("write start marker: %w", err)
	}
	if err := c.writeAll(ctx, payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if err := c.writeAll(ctx, stopMarker[:]); err != nil {
		return fmt.Errorf("write stop marker: %w", err)
	}

	c.logger.Debug("frame sent", "len", len(payload), "data", hex.EncodeToString(payload))
	return nil
}

// ReceiveFrame scans for a start marker, then fills buf with exactly
// len(buf) payload bytes and verifies the stop marker.
//
// The scan locks onto the first four consecutive 0x55 bytes. Garbage that
// ends in 0x55 therefore shifts the frame by one or more bytes, and the
// frame fails with a bad stop marker instead of resynchronizing.
func (c *Conn) ReceiveFrame(ctx context.Context, buf []byte) error {
	if len(buf) > MaxPayload {
		return fmt.Errorf("%w: expected length %d exceeds %d", ErrProtocol, len(buf), MaxPayload)
	}
	deadline := c.deadline()

	var (
		window  [markerLen]byte
		filled  int
		skipped int
		one     [1]byte
	)
	for {
		if err := c.readFull(ctx, one[:], deadline, ErrFraming); err != nil {
			return fmt.Errorf("scan for start marker: %w", err)
		}
		if filled < markerLen {
			window[filled] = one[0]
			filled++
		} else {
			copy(window[:], window[1:])
			window[markerLen-1] = one[0]
			skipped++
		}
		if filled == markerLen && window == startMarker {
			break
		}
	}
	if skipped > 0 {
		c.logger.Debug("resynchronized frame", "skipped", skipped)
	}

	if err := c.readFull(ctx, buf, deadline, ErrFraming); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	var stop [markerLen]byte
	if err := c.readFull(ctx, stop[:], deadline, ErrFraming); err != nil {
		return fmt.Errorf("read stop marker: %w", err)
	}
	if stop != stopMarker {
		return fmt.Errorf("%w: bad stop marker %x", ErrFraming, stop)
	}

	c.logger.Debug("frame received", "len", len(buf), "data", hex.EncodeToString(buf))
	return nil
}

// SendAck writes the acknowledgment token.
func (c *Conn) SendAck(ctx context.Context) error {
	if err := c.writeAll(ctx, ackToken[:]); err != nil {
		return fmt.Errorf("send ack: %w", err)
	}
	return nil
}

// WaitForAck reads three bytes and fails with ErrProtocol unless they are
// the acknowledgment token.
func (c *Conn) WaitForAck(ctx context.Context) error {
	var got [3]byte
	if err := c.readFull(ctx, got[:], c.deadline(), ErrTransport); err != nil {
		return fmt.Errorf("wait for ack: %w", err)
	}
	if !bytes.Equal(got[:], ackToken[:]) {
		return fmt.Errorf("%w: unexpected ack %q", ErrProtocol, got[:])
	}
	return nil
}

func (c *Conn) deadline() time.Time {
	if c.readTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.readTimeout)
}
