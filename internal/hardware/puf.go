// Package hardware provides the physically unclonable function a prover
// derives its attestation secrets from.
package hardware

import (
	"errors"
)

// PUF errors
var (
	ErrPUFChallengeInvalid = errors.New("hardware: invalid PUF challenge")
	ErrPUFUnavailable      = errors.New("hardware: PUF unavailable")
)

// PUFType identifies the source of PUF responses.
type PUFType string

const PUFTypeSoftware PUFType = "software"

// PUF answers challenges with device-unique responses. Equal challenges
// must always produce equal responses on the same device.
type PUF interface {
	// Type reports the PUF implementation.
	Type() PUFType

	// DeviceID returns a stable identifier that does not reveal responses.
	DeviceID() string

	// Challenge returns the response to challenge.
	Challenge(challenge []byte) ([]byte, error)

	// Close releases the PUF and wipes any secret material.
	Close() error
}
