// Package device implements the prover side of attestation. A Responder
// answers the setup, commitment and proof requests of a verifier using
// secrets derived from a PUF.
package device

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"pufattest/internal/bigutil"
	"pufattest/internal/challenge"
	"pufattest/internal/ecc"
	"pufattest/internal/hardware"
	"pufattest/internal/transport"
	"pufattest/internal/zkproof"
)

// DefaultHDomain seeds the derivation of the second base point.
const DefaultHDomain = "pufattest/base-point-h/v1"

// Config configures a Responder.
type Config struct {
	IDs           challenge.IDSet
	SetupPattern  challenge.Pattern
	Pacer         challenge.Pacer
	ReadTimeout   time.Duration
	RetryInterval time.Duration

	// HDomain is hashed to obtain h. Verifier and prover only need to
	// agree through the setup response.
	HDomain string

	// Random supplies blinding scalars; nil uses crypto/rand.
	Random io.Reader

	Logger *slog.Logger
}

// DefaultConfig mirrors attestation.DefaultConfig.
func DefaultConfig() Config {
	return Config{
		IDs:           challenge.StandardIDs,
		SetupPattern:  challenge.PatternEmpty,
		Pacer:         challenge.NoPacing{},
		ReadTimeout:   30 * time.Second,
		RetryInterval: time.Millisecond,
		HDomain:       DefaultHDomain,
	}
}

// Responder answers attestation requests for one device.
type Responder struct {
	cfg    Config
	puf    hardware.PUF
	g, h   ecc.Point
	logger *slog.Logger
}

// NewResponder derives the base points and returns a Responder backed by
// puf.
func NewResponder(puf hardware.PUF, cfg Config) (*Responder, error) {
	if puf == nil {
		return nil, hardware.ErrPUFUnavailable
	}
	if cfg.HDomain == "" {
		cfg.HDomain = DefaultHDomain
	}
	h, err := ecc.HashToPoint([]byte(cfg.HDomain))
	if err != nil {
		return nil, fmt.Errorf("derive h: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Responder{cfg: cfg, puf: puf, g: ecc.Generator(), h: h, logger: logger}, nil
}

// Bases returns g and h.
func (r *Responder) Bases() (g, h ecc.Point) { return r.g, r.h }

// Commitment returns s1·g + s2·h for the secrets bound to the challenge
// pair.
func (r *Responder) Commitment(c1, c2 []byte) (ecc.Point, error) {
	s1, s2, err := r.secrets(c1, c2)
	if err != nil {
		return ecc.Point{}, err
	}
	return zkproof.Commit(r.g, r.h, s1, s2)
}

// secrets maps the PUF responses to the two challenges into scalars mod n.
func (r *Responder) secrets(c1, c2 []byte) (*big.Int, *big.Int, error) {
	n := ecc.Order()
	derive := func(c []byte) (*big.Int, error) {
		resp, err := r.puf.Challenge(c)
		if err != nil {
			return nil, err
		}
		s := bigutil.FromBytes(resp)
		s.Mod(s, n)
		if s.Sign() == 0 {
			return nil, fmt.Errorf("%w: zero secret", hardware.ErrPUFChallengeInvalid)
		}
		return s, nil
	}

	s1, err := derive(c1)
	if err != nil {
		return nil, nil, fmt.Errorf("secret 1: %w", err)
	}
	s2, err := derive(c2)
	if err != nil {
		return nil, nil, fmt.Errorf("secret 2: %w", err)
	}
	return s1, s2, nil
}

// Serve answers requests on rw until the proof request has been answered.
func (r *Responder) Serve(ctx context.Context, rw io.ReadWriter) error {
	conn := transport.New(rw,
		transport.WithReadTimeout(r.cfg.ReadTimeout),
		transport.WithRetryInterval(r.cfg.RetryInterval),
		transport.WithLogger(r.logger),
	)
	ch := challenge.NewChannel(conn,
		challenge.WithPacer(r.cfg.Pacer),
		challenge.WithChannelLogger(r.logger),
	)

	patterns := map[challenge.FunctionID]challenge.Pattern{
		r.cfg.IDs.Init:       r.cfg.SetupPattern,
		r.cfg.IDs.Commitment: challenge.PatternCommitment,
		r.cfg.IDs.Proofs:     challenge.PatternProofs,
	}

	for {
		req, err := ch.ReceiveRequest(ctx, patterns)
		if err != nil {
			return fmt.Errorf("receive request: %w", err)
		}
		done, err := r.answer(ctx, ch, req)
		req.Destroy()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (r *Responder) answer(ctx context.Context, ch *challenge.Channel, req *challenge.FunctionCall) (bool, error) {
	resp := challenge.Construct(req.ID, challenge.PatternResponse)
	defer resp.Destroy()

	var (
		portions [challenge.MaxPortions][]byte
		done     bool
	)
	switch req.ID {
	case r.cfg.IDs.Init:
		gx, gy, err := r.g.Coordinates()
		if err != nil {
			return false, err
		}
		hx, hy, err := r.h.Coordinates()
		if err != nil {
			return false, err
		}
		portions = [challenge.MaxPortions][]byte{gx, gy, hx, hy}

	case r.cfg.IDs.Commitment:
		com, err := r.Commitment(req.Portion(0), req.Portion(1))
		if err != nil {
			return false, fmt.Errorf("commitment: %w", err)
		}
		cx, cy, err := com.Coordinates()
		if err != nil {
			return false, err
		}
		portions = [challenge.MaxPortions][]byte{req.Portion(0), req.Portion(1), cx, cy}

	case r.cfg.IDs.Proofs:
		proof, err := r.prove(req)
		if err != nil {
			return false, fmt.Errorf("proof: %w", err)
		}
		px, py, err := proof.P.Coordinates()
		if err != nil {
			return false, err
		}
		v, err := bigutil.ToFixedWidthBytes(proof.V, ecc.CoordinateSize)
		if err != nil {
			return false, err
		}
		w, err := bigutil.ToFixedWidthBytes(proof.W, ecc.CoordinateSize)
		if err != nil {
			return false, err
		}
		portions = [challenge.MaxPortions][]byte{px, py, v, w}
		done = true

	default:
		return false, fmt.Errorf("%w: unexpected function %s", transport.ErrProtocol, req.ID)
	}

	for i, p := range portions {
		if err := resp.Set(i, p); err != nil {
			return false, fmt.Errorf("build %s response: %w", req.ID, err)
		}
	}
	if err := ch.SendResponse(ctx, resp); err != nil {
		return false, fmt.Errorf("send %s response: %w", req.ID, err)
	}
	r.logger.Info("request answered", "function", req.ID.String())
	return done, nil
}

func (r *Responder) prove(req *challenge.FunctionCall) (*zkproof.Proof, error) {
	s1, s2, err := r.secrets(req.Portion(0), req.Portion(1))
	if err != nil {
		return nil, err
	}
	nonce := bigutil.FromBytes(req.Portion(2))
	return zkproof.Prove(r.cfg.Random, r.g, r.h, s1, s2, nonce)
}
