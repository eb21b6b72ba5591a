package challenge

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"time"

	"pufattest/internal/transport"
)

// Pacer delays the sender before it waits for an acknowledgment. Some
// constrained receivers drop data when acknowledged too quickly.
type Pacer interface {
	Pace(ctx context.Context) error
}

// NoPacing acknowledges immediately.
type NoPacing struct{}

func (NoPacing) Pace(ctx context.Context) error { return nil }

// FixedPacing sleeps for a constant duration.
type FixedPacing time.Duration

func (d FixedPacing) Pace(ctx context.Context) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(d))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", transport.ErrTransport, ctx.Err())
	case <-t.C:
		return nil
	}
}

// PacerFor returns NoPacing for d <= 0 and FixedPacing otherwise.
func PacerFor(d time.Duration) Pacer {
	if d <= 0 {
		return NoPacing{}
	}
	return FixedPacing(d)
}

// Channel transmits FunctionCalls over a framed connection.
type Channel struct {
	conn   *transport.Conn
	pacer  Pacer
	logger *slog.Logger
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithPacer sets the delay strategy used before each acknowledgment wait.
func WithPacer(p Pacer) ChannelOption {
	return func(ch *Channel) {
		if p != nil {
			ch.pacer = p
		}
	}
}

// WithChannelLogger sets the channel logger.
func WithChannelLogger(l *slog.Logger) ChannelOption {
	return func(ch *Channel) {
		if l != nil {
			ch.logger = l
		}
	}
}

// NewChannel returns a Channel over conn.
func NewChannel(conn *transport.Conn, opts ...ChannelOption) *Channel {
	ch := &Channel{
		conn:   conn,
		pacer:  NoPacing{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// Send transmits the identifier and then every present portion in slot
// order, waiting for an acknowledgment after each frame.
func (ch *Channel) Send(ctx context.Context, call *FunctionCall) error {
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], uint32(call.ID))

	if err := ch.sendAcked(ctx, id[:]); err != nil {
		return fmt.Errorf("send %s identifier: %w", call.ID, err)
	}
	for i, p := range call.Portions {
		if !p.Present() {
			continue
		}
		if err := ch.sendAcked(ctx, p.Data); err != nil {
			return fmt.Errorf("send %s portion %d: %w", call.ID, i, err)
		}
	}

	ch.logger.Debug("call sent", "function", call.ID.String(), "pattern", call.Pattern())
	return nil
}

// SendResponse sends the reply leg of an exchange.
func (ch *Channel) SendResponse(ctx context.Context, call *FunctionCall) error {
	return ch.Send(ctx, call)
}

func (ch *Channel) sendAcked(ctx context.Context, payload []byte) error {
	if err := ch.conn.SendFrame(ctx, payload); err != nil {
		return err
	}
	if err := ch.pacer.Pace(ctx); err != nil {
		return err
	}
	return ch.conn.WaitForAck(ctx)
}

// Receive reads an identifier into call.ID and then fills every present
// portion of call, acknowledging each frame.
func (ch *Channel) Receive(ctx context.Context, call *FunctionCall) error {
	id, err := ch.receiveID(ctx)
	if err != nil {
		return err
	}
	call.ID = id
	return ch.receivePortions(ctx, call)
}

// ReceiveResponse reads the reply to a request and fails with
// transport.ErrProtocol if its identifier differs from call.ID.
func (ch *Channel) ReceiveResponse(ctx context.Context, call *FunctionCall) error {
	want := call.ID
	id, err := ch.receiveID(ctx)
	if err != nil {
		return err
	}
	if id != want {
		return fmt.Errorf("%w: response identifier %s, expected %s", transport.ErrProtocol, id, want)
	}
	return ch.receivePortions(ctx, call)
}

// ReceiveRequest reads an identifier, looks up its pattern and receives a
// call of that shape. Unknown identifiers are not acknowledged and fail
// with transport.ErrProtocol.
func (ch *Channel) ReceiveRequest(ctx context.Context, patterns map[FunctionID]Pattern) (*FunctionCall, error) {
	var raw [4]byte
	if err := ch.conn.ReceiveFrame(ctx, raw[:]); err != nil {
		return nil, fmt.Errorf("receive identifier: %w", err)
	}
	id := FunctionID(binary.BigEndian.Uint32(raw[:]))

	pattern, ok := patterns[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown function %s", transport.ErrProtocol, id)
	}
	if err := ch.conn.SendAck(ctx); err != nil {
		return nil, fmt.Errorf("ack identifier: %w", err)
	}

	call := Construct(id, pattern)
	if err := ch.receivePortions(ctx, call); err != nil {
		call.Destroy()
		return nil, err
	}
	return call, nil
}

func (ch *Channel) receiveID(ctx context.Context) (FunctionID, error) {
	var raw [4]byte
	if err := ch.conn.ReceiveFrame(ctx, raw[:]); err != nil {
		return 0, fmt.Errorf("receive identifier: %w", err)
	}
	if err := ch.conn.SendAck(ctx); err != nil {
		return 0, fmt.Errorf("ack identifier: %w", err)
	}
	return FunctionID(binary.BigEndian.Uint32(raw[:])), nil
}

func (ch *Channel) receivePortions(ctx context.Context, call *FunctionCall) error {
	for i, p := range call.Portions {
		if !p.Present() {
			continue
		}
		if err := ch.conn.ReceiveFrame(ctx, p.Data); err != nil {
			return fmt.Errorf("receive %s portion %d: %w", call.ID, i, err)
		}
		if err := ch.conn.SendAck(ctx); err != nil {
			return fmt.Errorf("ack %s portion %d: %w", call.ID, i, err)
		}
	}

	ch.logger.Debug("call received", "function", call.ID.String(), "pattern", call.Pattern())
	return nil
}
