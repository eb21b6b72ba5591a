// Package store provides the SQLite attestation journal.
package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a journal entry does not exist.
var ErrNotFound = errors.New("store: attestation not found")

// Attestation is one journal entry: the outcome of a single session.
type Attestation struct {
	ID uuid.UUID

	// Peer is the remote address of the prover connection.
	Peer string

	// ClientSubject is the verified client certificate subject, if any.
	ClientSubject string

	StartedAt time.Time
	Duration  time.Duration

	// Verdict is accepted, rejected or error.
	Verdict string

	// ErrorKind, ErrorPhase and Error are set when Verdict is error.
	ErrorKind  string
	ErrorPhase string
	Error      string

	// State is the orchestrator's final state.
	State string

	// Transcript is the JSON transcript document, when all three phases
	// completed.
	Transcript []byte
}

// Stats summarises the journal.
type Stats struct {
	Total    int64
	Accepted int64
	Rejected int64
	Errors   int64

	// ErrorsByKind counts error entries per kind.
	ErrorsByKind map[string]int64

	// LastAt is the start time of the newest entry; zero when empty.
	LastAt time.Time
}
