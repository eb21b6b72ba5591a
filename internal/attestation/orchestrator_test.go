package attestation

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pufattest/internal/bigutil"
	"pufattest/internal/challenge"
	"pufattest/internal/device"
	"pufattest/internal/ecc"
	"pufattest/internal/hardware"
	"pufattest/internal/transport"
)

func newPipe(t *testing.T) (verifier, prover net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func serveDevice(t *testing.T, conn net.Conn, cfg device.Config) <-chan error {
	t.Helper()
	if cfg.Random == nil {
		cfg.Random = rand.New(rand.NewSource(1))
	}
	r, err := device.NewResponder(hardware.NewSoftwarePUFFromSeed([32]byte{0x42}), cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background(), conn) }()
	return done
}

// fakePeer answers each standard request with whatever answer returns. A
// nil response closes the connection.
func fakePeer(conn net.Conn, answer func(req *challenge.FunctionCall) *challenge.FunctionCall) {
	go func() {
		defer conn.Close()
		ctx := context.Background()
		ch := challenge.NewChannel(transport.New(conn))
		patterns := map[challenge.FunctionID]challenge.Pattern{
			challenge.FuncInit:          challenge.PatternEmpty,
			challenge.FuncGetCommitment: challenge.PatternCommitment,
			challenge.FuncGetZKProofs:   challenge.PatternProofs,
		}
		for {
			req, err := ch.ReceiveRequest(ctx, patterns)
			if err != nil {
				return
			}
			resp := answer(req)
			if resp == nil {
				return
			}
			if err := ch.SendResponse(ctx, resp); err != nil {
				return
			}
		}
	}()
}

func response(id challenge.FunctionID, portions ...[]byte) *challenge.FunctionCall {
	c := challenge.Construct(id, challenge.PatternResponse)
	for i, p := range portions {
		copy(c.Portions[i].Data, p)
	}
	return c
}

func coords(t *testing.T, p ecc.Point) ([]byte, []byte) {
	t.Helper()
	x, y, err := p.Coordinates()
	require.NoError(t, err)
	return x, y
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadTimeout = 5 * time.Second
	return cfg
}

// =============================================================================
// End to end
// =============================================================================

func TestRun_Accepted(t *testing.T) {
	a, b := newPipe(t)
	done := serveDevice(t, b, device.DefaultConfig())

	var states []State
	cfg := testConfig()
	cfg.OnTransition = func(_, to State) { states = append(states, to) }

	o, err := New(cfg)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), a)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, VerdictAccepted, res.Verdict)
	assert.Equal(t, StateComplete, res.State)
	assert.Equal(t, StateComplete, o.State())
	assert.Equal(t, []State{
		StateSetupSent, StateSetupAcked,
		StateCommitmentSent, StateCommitmentAcked,
		StateProofSent, StateProofAcked,
		StateComplete,
	}, states)

	require.NotNil(t, res.Transcript)
	assert.True(t, res.Transcript.G.Equal(ecc.Generator()))
	assert.True(t, ecc.IsOnCurve(res.Transcript.H))
	assert.True(t, ecc.IsOnCurve(res.Transcript.COM))
	assert.Zero(t, new(big.Int).SetBytes(cfg.Challenges.Nonce).Cmp(res.Transcript.Nonce))
}

func TestRun_CompactIdentifiers(t *testing.T) {
	a, b := newPipe(t)
	dcfg := device.DefaultConfig()
	dcfg.IDs = challenge.CompactIDs
	done := serveDevice(t, b, dcfg)

	cfg := testConfig()
	cfg.IDs = challenge.CompactIDs
	v, err := RunAttestation(context.Background(), a, cfg)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, VerdictAccepted, v)
}

func TestRun_WithPacing(t *testing.T) {
	a, b := newPipe(t)
	dcfg := device.DefaultConfig()
	dcfg.Pacer = challenge.FixedPacing(time.Millisecond)
	done := serveDevice(t, b, dcfg)

	cfg := testConfig()
	cfg.Pacer = challenge.FixedPacing(time.Millisecond)
	v, err := RunAttestation(context.Background(), a, cfg)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, VerdictAccepted, v)
}

func TestRun_NonBlockingStream(t *testing.T) {
	a, b := newPipe(t)
	done := serveDevice(t, b, device.DefaultConfig())

	v, err := RunAttestation(context.Background(), transport.NonBlocking(a, 2*time.Millisecond), testConfig())
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, VerdictAccepted, v)
}

func TestRun_RejectedWhenProofUsesOtherSecrets(t *testing.T) {
	a, b := newPipe(t)
	done := serveDevice(t, b, device.DefaultConfig())

	cfg := testConfig()
	cfg.Challenges.ProofsP1 = bytes.Repeat([]byte{0x01}, challenge.ChallengeSize)

	o, err := New(cfg)
	require.NoError(t, err)
	res, err := o.Run(context.Background(), a)
	require.NoError(t, err, "a rejection is not an error")
	require.NoError(t, <-done)

	assert.Equal(t, VerdictRejected, res.Verdict)
	assert.Equal(t, StateComplete, res.State)
}

// =============================================================================
// Failure classification
// =============================================================================

func TestRun_PeerClosedIsTransportError(t *testing.T) {
	a, b := newPipe(t)
	b.Close()

	o, err := New(testConfig())
	require.NoError(t, err)
	res, err := o.Run(context.Background(), a)

	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, KindTransport, ae.Kind)
	assert.Equal(t, PhaseSetup, ae.Phase)
	assert.Equal(t, VerdictError, res.Verdict)
	assert.Equal(t, StateFailed, o.State())
	assert.Nil(t, res.Transcript)
}

func TestRun_WrongResponseIdentifierIsProtocolError(t *testing.T) {
	a, b := newPipe(t)
	fakePeer(b, func(req *challenge.FunctionCall) *challenge.FunctionCall {
		return response(challenge.FuncGetZKProofs)
	})

	_, err := RunAttestation(context.Background(), a, testConfig())
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.ErrorIs(t, err, transport.ErrProtocol)
}

func TestRun_MissingEchoIsProtocolError(t *testing.T) {
	a, b := newPipe(t)
	g := ecc.Generator()
	gx, gy := coords(t, g)
	fakePeer(b, func(req *challenge.FunctionCall) *challenge.FunctionCall {
		switch req.ID {
		case challenge.FuncInit:
			return response(req.ID, gx, gy, gx, gy)
		default:
			return response(req.ID, nil, nil, gx, gy)
		}
	})

	_, err := RunAttestation(context.Background(), a, testConfig())
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, KindProtocol, ae.Kind)
	assert.Equal(t, PhaseCommitment, ae.Phase)
}

func TestRun_BadStopMarkerIsFramingError(t *testing.T) {
	a, b := newPipe(t)
	go func() {
		ctx := context.Background()
		conn := transport.New(b)
		ch := challenge.NewChannel(conn)
		if _, err := ch.ReceiveRequest(ctx, map[challenge.FunctionID]challenge.Pattern{
			challenge.FuncInit: challenge.PatternEmpty,
		}); err != nil {
			return
		}
		_, _ = b.Write([]byte{0x55, 0x55, 0x55, 0x55, 0x00, 0x11, 0x22, 0x33, 0xFF, 0xFF, 0x00, 0xFF})
	}()

	_, err := RunAttestation(context.Background(), a, testConfig())
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, KindFraming, ae.Kind)
	assert.Equal(t, PhaseSetup, ae.Phase)
}

func TestRun_StalledPeerTimesOut(t *testing.T) {
	a, b := newPipe(t)
	go func() {
		ctx := context.Background()
		ch := challenge.NewChannel(transport.New(b))
		_, _ = ch.ReceiveRequest(ctx, map[challenge.FunctionID]challenge.Pattern{
			challenge.FuncInit: challenge.PatternEmpty,
		})
		// Never answer.
	}()

	cfg := testConfig()
	cfg.ReadTimeout = 50 * time.Millisecond
	start := time.Now()
	_, err := RunAttestation(context.Background(), transport.NonBlocking(a, 5*time.Millisecond), cfg)

	assert.Equal(t, KindTransport, KindOf(err))
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_ArithmeticFailureIsDistinctFromRejection(t *testing.T) {
	a, b := newPipe(t)
	h, err := ecc.HashToPoint([]byte("h"))
	require.NoError(t, err)
	hx, hy := coords(t, h)
	gx, gy := coords(t, ecc.Generator())

	degenerateX := make([]byte, 32)
	degenerateX[31] = 5
	degenerateY := make([]byte, 32)
	two := make([]byte, 32)
	two[31] = 2

	fakePeer(b, func(req *challenge.FunctionCall) *challenge.FunctionCall {
		switch req.ID {
		case challenge.FuncInit:
			return response(req.ID, degenerateX, degenerateY, hx, hy)
		case challenge.FuncGetCommitment:
			return response(req.ID, req.Portion(0), req.Portion(1), gx, gy)
		default:
			return response(req.ID, gx, gy, two, two)
		}
	})

	o, err := New(testConfig())
	require.NoError(t, err)
	res, err := o.Run(context.Background(), a)

	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, KindArithmetic, ae.Kind)
	assert.Equal(t, PhaseVerify, ae.Phase)
	assert.ErrorIs(t, err, ecc.ErrArithmetic)
	assert.Equal(t, VerdictError, res.Verdict)
	assert.Equal(t, StateFailed, res.State)
	assert.NotNil(t, res.Transcript)
}

func TestRun_ContextCancelled(t *testing.T) {
	a, _ := newPipe(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunAttestation(ctx, transport.NonBlocking(a, time.Millisecond), testConfig())
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Construction and helpers
// =============================================================================

func TestNew_InvalidChallenges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Challenges.Nonce = []byte{1}
	_, err := New(cfg)
	assert.Error(t, err)

	v, err := RunAttestation(context.Background(), nil, cfg)
	assert.Error(t, err)
	assert.Equal(t, VerdictError, v)
}

func TestCollect_NotReusable(t *testing.T) {
	a, b := newPipe(t)
	done := serveDevice(t, b, device.DefaultConfig())

	o, err := New(testConfig())
	require.NoError(t, err)
	_, err = o.Run(context.Background(), a)
	require.NoError(t, err)
	require.NoError(t, <-done)

	_, err = o.Collect(context.Background(), challenge.NewChannel(transport.New(a)))
	assert.ErrorIs(t, err, transport.ErrProtocol)
	assert.Equal(t, KindProtocol, KindOf(err))

	res, err := o.Run(context.Background(), a)
	require.Error(t, err)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.Equal(t, VerdictError, res.Verdict)
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Kind: KindFraming, Phase: PhaseProof, Err: transport.ErrFraming}
	assert.Equal(t, "attestation framing error in proof phase: transport: framing error", err.Error())
	assert.ErrorIs(t, err, transport.ErrFraming)
	assert.Equal(t, KindFraming, KindOf(err))
	assert.Equal(t, KindParse, KindOf(errors.Join(errors.New("x"), ecc.ErrNotOnCurve, bigutil.ErrParse)))
}

func TestStateAndVerdictNames(t *testing.T) {
	assert.Equal(t, "commitment_acked", StateCommitmentAcked.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateProofAcked.Terminal())
	assert.Equal(t, "accepted", VerdictAccepted.String())
	assert.Equal(t, "error", VerdictError.String())
	assert.Equal(t, "arithmetic", KindArithmetic.String())
}
