// Package attestation drives the verifier side of a PUF attestation: the
// setup, commitment and proof exchanges over one connection, followed by
// verification of the collected transcript.
package attestation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"pufattest/internal/bigutil"
	"pufattest/internal/challenge"
	"pufattest/internal/ecc"
	"pufattest/internal/transport"
	"pufattest/internal/zkproof"
)

// Config holds the per-deployment parameters of an orchestrator.
type Config struct {
	// Challenges are sent in the commitment and proof requests.
	Challenges challenge.Set

	// IDs selects the function identifier numbering.
	IDs challenge.IDSet

	// SetupPattern is the portion layout of the INIT request.
	SetupPattern challenge.Pattern

	// Pacer runs before every acknowledgment wait on the send path.
	Pacer challenge.Pacer

	// ReadTimeout bounds each frame or acknowledgment read. Zero waits
	// indefinitely.
	ReadTimeout time.Duration

	// RetryInterval is the pause after a would-block read.
	RetryInterval time.Duration

	// OnTransition, if set, is called after every state change.
	OnTransition func(from, to State)

	Logger *slog.Logger
}

// DefaultConfig returns the configuration used by deployed provers.
func DefaultConfig() Config {
	return Config{
		Challenges:    challenge.DefaultSet(),
		IDs:           challenge.StandardIDs,
		SetupPattern:  challenge.PatternEmpty,
		Pacer:         challenge.NoPacing{},
		ReadTimeout:   30 * time.Second,
		RetryInterval: time.Millisecond,
	}
}

// Result describes a finished run.
type Result struct {
	Verdict    Verdict
	State      State
	Transcript *zkproof.Transcript
	Duration   time.Duration
}

// Orchestrator runs a single attestation. It is not reusable and not safe
// for concurrent use.
type Orchestrator struct {
	cfg    Config
	state  State
	logger *slog.Logger
}

// New validates cfg and returns an idle orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Challenges.Validate(); err != nil {
		return nil, fmt.Errorf("challenges: %w", err)
	}
	if cfg.Pacer == nil {
		cfg.Pacer = challenge.NoPacing{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{cfg: cfg, state: StateIdle, logger: logger}, nil
}

// State returns the current state.
func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) transition(to State) {
	from := o.state
	o.state = to
	o.logger.Debug("attestation state", "from", from.String(), "to", to.String())
	if o.cfg.OnTransition != nil {
		o.cfg.OnTransition(from, to)
	}
}

func (o *Orchestrator) fail(phase Phase, err error) error {
	o.transition(StateFailed)
	return &Error{Kind: classify(err), Phase: phase, Err: err}
}

// Run performs the three exchanges over rw and verifies the result. The
// returned Result is never nil; its Transcript is set once all phases
// completed.
func (o *Orchestrator) Run(ctx context.Context, rw io.ReadWriter) (*Result, error) {
	start := time.Now()
	conn := transport.New(rw,
		transport.WithReadTimeout(o.cfg.ReadTimeout),
		transport.WithRetryInterval(o.cfg.RetryInterval),
		transport.WithLogger(o.logger),
	)
	ch := challenge.NewChannel(conn,
		challenge.WithPacer(o.cfg.Pacer),
		challenge.WithChannelLogger(o.logger),
	)

	res := &Result{Verdict: VerdictError}
	tr, err := o.Collect(ctx, ch)
	res.Transcript = tr
	if err != nil {
		res.State, res.Duration = o.state, time.Since(start)
		return res, err
	}

	verdict, err := zkproof.Verify(tr)
	if err != nil {
		err = o.fail(PhaseVerify, err)
		res.State, res.Duration = o.state, time.Since(start)
		return res, err
	}
	o.transition(StateComplete)

	res.Verdict = VerdictRejected
	if verdict == zkproof.Accepted {
		res.Verdict = VerdictAccepted
	}
	res.State, res.Duration = o.state, time.Since(start)
	o.logger.Info("attestation finished", "verdict", res.Verdict.String(), "duration", res.Duration)
	return res, nil
}

// Collect runs the setup, commitment and proof exchanges and assembles the
// transcript. Every envelope is released before Collect returns.
func (o *Orchestrator) Collect(ctx context.Context, ch *challenge.Channel) (*zkproof.Transcript, error) {
	if o.state != StateIdle {
		return nil, fmt.Errorf("%w: orchestrator already used (state %s)", transport.ErrProtocol, o.state)
	}
	var tr zkproof.Transcript

	// Setup: base points g and h.
	setupReq := challenge.Construct(o.cfg.IDs.Init, o.cfg.SetupPattern)
	defer setupReq.Destroy()
	setupResp := challenge.Construct(o.cfg.IDs.Init, challenge.PatternResponse)
	defer setupResp.Destroy()

	if err := ch.Send(ctx, setupReq); err != nil {
		return nil, o.fail(PhaseSetup, err)
	}
	o.transition(StateSetupSent)
	if err := ch.ReceiveResponse(ctx, setupResp); err != nil {
		return nil, o.fail(PhaseSetup, err)
	}
	o.transition(StateSetupAcked)
	tr.G = ecc.PointFromBytes(setupResp.Portion(0), setupResp.Portion(1))
	tr.H = ecc.PointFromBytes(setupResp.Portion(2), setupResp.Portion(3))

	// Commitment: COM in portions 2 and 3.
	commitReq := o.cfg.Challenges.CommitmentRequest(o.cfg.IDs.Commitment)
	defer commitReq.Destroy()
	commitResp := challenge.Construct(o.cfg.IDs.Commitment, challenge.PatternResponse)
	defer commitResp.Destroy()

	if err := ch.Send(ctx, commitReq); err != nil {
		return nil, o.fail(PhaseCommitment, err)
	}
	o.transition(StateCommitmentSent)
	if err := ch.ReceiveResponse(ctx, commitResp); err != nil {
		return nil, o.fail(PhaseCommitment, err)
	}
	if err := checkEcho(commitReq, commitResp); err != nil {
		return nil, o.fail(PhaseCommitment, err)
	}
	o.transition(StateCommitmentAcked)
	tr.COM = ecc.PointFromBytes(commitResp.Portion(2), commitResp.Portion(3))

	// Proof: P, v and w.
	proofReq := o.cfg.Challenges.ProofsRequest(o.cfg.IDs.Proofs)
	defer proofReq.Destroy()
	proofResp := challenge.Construct(o.cfg.IDs.Proofs, challenge.PatternResponse)
	defer proofResp.Destroy()

	if err := ch.Send(ctx, proofReq); err != nil {
		return nil, o.fail(PhaseProof, err)
	}
	o.transition(StateProofSent)
	if err := ch.ReceiveResponse(ctx, proofResp); err != nil {
		return nil, o.fail(PhaseProof, err)
	}
	o.transition(StateProofAcked)
	tr.P = ecc.PointFromBytes(proofResp.Portion(0), proofResp.Portion(1))
	tr.V = bigutil.FromBytes(proofResp.Portion(2))
	tr.W = bigutil.FromBytes(proofResp.Portion(3))
	tr.Nonce = bigutil.FromBytes(o.cfg.Challenges.Nonce)

	return &tr, nil
}

// checkEcho requires the commitment response to repeat the challenges in
// portions 0 and 1.
func checkEcho(req, resp *challenge.FunctionCall) error {
	for i := 0; i < 2; i++ {
		if !bytes.Equal(req.Portion(i), resp.Portion(i)) {
			return fmt.Errorf("%w: commitment response does not echo challenge %d", transport.ErrProtocol, i)
		}
	}
	return nil
}

// RunAttestation performs one attestation over rw with cfg.
func RunAttestation(ctx context.Context, rw io.ReadWriter, cfg Config) (Verdict, error) {
	o, err := New(cfg)
	if err != nil {
		return VerdictError, err
	}
	res, err := o.Run(ctx, rw)
	return res.Verdict, err
}
