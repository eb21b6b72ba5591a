package attestation

// State is the position of an orchestrator in the three-phase exchange.
type State int

const (
	StateIdle State = iota
	StateSetupSent
	StateSetupAcked
	StateCommitmentSent
	StateCommitmentAcked
	StateProofSent
	StateProofAcked
	StateComplete
	StateFailed
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateSetupSent:       "setup_sent",
	StateSetupAcked:      "setup_acked",
	StateCommitmentSent:  "commitment_sent",
	StateCommitmentAcked: "commitment_acked",
	StateProofSent:       "proof_sent",
	StateProofAcked:      "proof_acked",
	StateComplete:        "complete",
	StateFailed:          "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Verdict is the caller-visible outcome of a run.
type Verdict int

const (
	VerdictError Verdict = iota
	VerdictRejected
	VerdictAccepted
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccepted:
		return "accepted"
	case VerdictRejected:
		return "rejected"
	}
	return "error"
}
