package attestation

import (
	"errors"
	"fmt"

	"pufattest/internal/bigutil"
	"pufattest/internal/ecc"
	"pufattest/internal/transport"
	"pufattest/internal/zkproof"
)

// Kind classifies why an attestation run failed.
type Kind int

const (
	KindTransport Kind = iota
	KindFraming
	KindProtocol
	KindParse
	KindArithmetic
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindFraming:
		return "framing"
	case KindProtocol:
		return "protocol"
	case KindParse:
		return "parse"
	case KindArithmetic:
		return "arithmetic"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Phase names the step of a run an error occurred in.
type Phase string

const (
	PhaseSetup      Phase = "setup"
	PhaseCommitment Phase = "commitment"
	PhaseProof      Phase = "proof"
	PhaseVerify     Phase = "verify"
)

// Error is the tagged failure returned by an attestation run.
type Error struct {
	Kind  Kind
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("attestation %s error in %s phase: %v", e.Kind, e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, which need not be an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, transport.ErrFraming):
		return KindFraming
	case errors.Is(err, transport.ErrProtocol):
		return KindProtocol
	case errors.Is(err, transport.ErrTransport):
		return KindTransport
	case errors.Is(err, ecc.ErrArithmetic):
		return KindArithmetic
	case errors.Is(err, bigutil.ErrParse),
		errors.Is(err, bigutil.ErrOverflow),
		errors.Is(err, bigutil.ErrNegative),
		errors.Is(err, zkproof.ErrInvalidTranscript):
		return KindParse
	}
	return KindTransport
}
